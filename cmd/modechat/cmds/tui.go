package cmds

import (
	"context"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/modechat/pkg/events"
	"github.com/go-go-golems/modechat/pkg/logging"
	"github.com/go-go-golems/modechat/pkg/ui"
)

func newTUICommand(a *app) *cobra.Command {
	var (
		logFile  string
		plain    bool
		initMode string
	)
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Chat with the assistants in the terminal",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// the program owns the terminal, so logs go to a file or nowhere
			var w io.Writer = io.Discard
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return errors.Wrap(err, "open log file")
				}
				w = f
			}
			s := a.cfg.Logging
			if s.Format == "" || s.Format == "auto" {
				s.Format = "json"
			}
			return logging.InitTo(w, s)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			rt, err := newRuntime(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				rt.close(closeCtx)
			}()

			bridge, err := ui.NewBridge(ctx, rt.backend, events.DefaultTopic, 0)
			if err != nil {
				return err
			}
			if err := bridge.Start(ctx); err != nil {
				return err
			}
			defer bridge.Close()

			if initMode != "" {
				if _, err := rt.router.ChangeMode(ctx, initMode); err != nil {
					return err
				}
			}
			model, err := ui.NewModel(ctx, rt.router, bridge.Messages(), ui.WithMarkdown(!plain))
			if err != nil {
				return err
			}
			_, err = tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx)).Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&logFile, "log-file", "", "write logs to this file while the TUI runs")
	cmd.Flags().BoolVar(&plain, "plain", false, "show assistant replies without markdown rendering")
	cmd.Flags().StringVar(&initMode, "mode", "", "mode to open first")
	return cmd
}
