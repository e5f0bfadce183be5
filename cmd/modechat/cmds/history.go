package cmds

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/modechat/pkg/persistence/chatstore"
)

func newHistoryCommand(a *app) *cobra.Command {
	var (
		modeID string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the stored conversations of --user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user := strings.TrimSpace(a.cfg.User)
			if user == "" {
				return errors.New("history needs --user")
			}
			docs, err := a.cfg.OpenDocumentStore(cmd.Context())
			if err != nil {
				return err
			}
			if docs == nil {
				return errors.New("persistence is disabled")
			}
			defer func() { _ = docs.Close() }()

			list, err := docs.ListConversationsForUser(cmd.Context(), user)
			if err != nil {
				return err
			}
			filtered := list[:0]
			for _, d := range list {
				if modeID == "" || d.ModeID == modeID {
					filtered = append(filtered, d)
				}
			}
			if filtered == nil {
				filtered = []chatstore.ConversationDocument{}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(filtered)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tMODE\tTITLE\tMESSAGES\tUPDATED")
			for _, d := range filtered {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					d.ID, d.ModeID, d.Title, len(d.Messages),
					time.UnixMilli(d.UpdatedAtMs).Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&modeID, "mode", "m", "", "only this mode")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
