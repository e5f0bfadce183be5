package cmds

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/modechat/pkg/config"
	"github.com/go-go-golems/modechat/pkg/conversations"
	"github.com/go-go-golems/modechat/pkg/dispatch"
	"github.com/go-go-golems/modechat/pkg/events"
	"github.com/go-go-golems/modechat/pkg/identity"
	"github.com/go-go-golems/modechat/pkg/modes"
	"github.com/go-go-golems/modechat/pkg/persistence/chatstore"
	"github.com/go-go-golems/modechat/pkg/session"
)

// runtime wires the router and its collaborators from configuration.
type runtime struct {
	registry   *modes.Registry
	dispatcher *dispatch.Dispatcher
	docs       chatstore.DocumentStore
	identity   *identity.Switchable
	backend    events.Backend
	bus        *events.Bus
	router     *session.Router
}

func newRuntime(ctx context.Context, cfg config.Config) (_ *runtime, retErr error) {
	rt := &runtime{}
	defer func() {
		if retErr != nil {
			rt.close(context.Background())
		}
	}()

	var err error
	if rt.registry, err = cfg.Registry(); err != nil {
		return nil, err
	}
	if rt.dispatcher, err = dispatch.New(rt.registry); err != nil {
		return nil, err
	}
	if rt.docs, err = cfg.OpenDocumentStore(ctx); err != nil {
		return nil, errors.Wrap(err, "open document store")
	}
	rt.identity = identity.Static(cfg.User)
	store, err := conversations.NewStore(conversations.StoreConfig{
		Registry:  rt.registry,
		Documents: rt.docs,
		Identity:  rt.identity,
	})
	if err != nil {
		return nil, err
	}
	if rt.backend, err = events.NewBackend(ctx, cfg.Redis); err != nil {
		return nil, err
	}
	if rt.bus, err = events.NewBus(rt.backend.Publisher(), events.DefaultTopic); err != nil {
		return nil, err
	}
	rt.router, err = session.New(session.Options{
		Registry:               rt.registry,
		Store:                  store,
		Dispatcher:             rt.dispatcher,
		Sink:                   rt.bus,
		Identity:               rt.identity,
		SyntheticErrorMessages: cfg.SyntheticErrors,
	})
	if err != nil {
		return nil, err
	}
	if user := rt.identity.CurrentUserID(); user != "" {
		if _, err := rt.router.HydrateUser(ctx, user); err != nil {
			log.Warn().Err(err).Str("component", "modechat").Str("user_id", user).Msg("hydrate failed, starting empty")
		}
	}
	return rt, nil
}

// close shuts the router down before the transports it publishes to.
func (rt *runtime) close(ctx context.Context) {
	if rt == nil {
		return
	}
	if rt.router != nil {
		if err := rt.router.Close(ctx); err != nil {
			log.Warn().Err(err).Str("component", "modechat").Msg("router close")
		}
	}
	if rt.backend != nil {
		if err := rt.backend.Close(); err != nil {
			log.Warn().Err(err).Str("component", "modechat").Msg("event backend close")
		}
	}
	if rt.docs != nil {
		if err := rt.docs.Close(); err != nil {
			log.Warn().Err(err).Str("component", "modechat").Msg("document store close")
		}
	}
}
