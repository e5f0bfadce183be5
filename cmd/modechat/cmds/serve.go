package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/modechat/pkg/events"
	"github.com/go-go-golems/modechat/pkg/webchat"
)

func newServeCommand(a *app) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				rt.close(closeCtx)
			}()

			srv, err := webchat.NewServer(ctx, webchat.ServerConfig{
				Addr:    a.cfg.Addr,
				Router:  rt.router,
				Health:  rt.dispatcher,
				Backend: rt.backend,
				Topic:   events.DefaultTopic,
			})
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	if err := a.v.BindPFlag("addr", cmd.Flags().Lookup("addr")); err != nil {
		return nil, err
	}
	return cmd, nil
}
