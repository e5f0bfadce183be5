package cmds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/modechat/pkg/conversations"
	"github.com/go-go-golems/modechat/pkg/session"
)

func newAskCommand(a *app) *cobra.Command {
	var modeID string
	cmd := &cobra.Command{
		Use:   "ask [text...]",
		Short: "Send one message to a mode and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				rt.close(closeCtx)
			}()

			if modeID == "" {
				modeID = rt.registry.Default().ID
			}
			turn, err := rt.router.Submit(ctx, modeID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if err := turn.Wait(ctx); err != nil {
				return errors.Wrapf(err, "ask %s", modeID)
			}
			st, err := rt.router.Snapshot(modeID)
			if err != nil {
				return err
			}
			reply, ok := lastReply(st)
			if !ok {
				return errors.Errorf("%s returned no reply", modeID)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), reply)
			return err
		},
	}
	cmd.Flags().StringVarP(&modeID, "mode", "m", "", "mode id (defaults to the first mode)")
	return cmd
}

func lastReply(st session.ModeState) (string, bool) {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == conversations.RoleAssistant {
			return st.Messages[i].Content, true
		}
	}
	return "", false
}
