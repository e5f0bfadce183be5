package webchat

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/modechat/pkg/events"
	"github.com/go-go-golems/modechat/pkg/session"
)

const shutdownTimeout = 30 * time.Second

type ServerConfig struct {
	Addr    string
	Router  *session.Router
	Health  HealthChecker
	Backend events.Backend
	// Topic defaults to events.DefaultTopic.
	Topic string
}

// Server drives the websocket event forwarder and the HTTP server lifecycle.
type Server struct {
	router  *session.Router
	api     *API
	forward *events.Coordinator
	httpSrv *http.Server
}

func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if cfg.Router == nil {
		return nil, errors.New("webchat: router is nil")
	}
	if cfg.Backend == nil {
		return nil, errors.New("webchat: event backend is nil")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = events.DefaultTopic
	}
	pool := NewConnectionPool("ws")
	api, err := NewAPI(cfg.Router, pool, WithHealthChecker(cfg.Health))
	if err != nil {
		return nil, err
	}
	sub, owned, err := cfg.Backend.BuildSubscriber(ctx, topic, "ws-forwarder")
	if err != nil {
		return nil, errors.Wrap(err, "build ws forwarder subscriber")
	}
	return &Server{
		router:  cfg.Router,
		api:     api,
		forward: events.NewCoordinator("ws-forwarder", topic, sub, owned, pool.BroadcastEvent),
		httpSrv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *Server) Handler() http.Handler {
	if s == nil || s.api == nil {
		return http.NotFoundHandler()
	}
	return s.httpSrv.Handler
}

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

// Run serves until ctx ends, then shuts the HTTP server down, closes the
// router and stops the forwarder.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	if err := s.forward.Start(ctx); err != nil {
		return errors.Wrap(err, "start ws forwarder")
	}

	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error {
		<-srvCtx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.api.Pool().CloseAll()
		if err := s.router.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("router close error")
		} else {
			log.Info().Msg("router closed")
		}
		s.forward.Close()
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting modechat server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
