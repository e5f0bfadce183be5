package cmds

import (
	"fmt"
	"sync"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/modechat/pkg/dispatch"
)

func newHealthCommand(a *app) *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe each mode backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.cfg.Registry()
			if err != nil {
				return err
			}
			d, err := dispatch.New(reg)
			if err != nil {
				return err
			}
			ids := only
			if len(ids) == 0 {
				ids = reg.IDs()
			}
			for _, id := range ids {
				if _, err := reg.Resolve(id); err != nil {
					return err
				}
			}

			var mu sync.Mutex
			results := make(map[string]error, len(ids))
			eg, ctx := errgroup.WithContext(cmd.Context())
			for _, id := range ids {
				eg.Go(func() error {
					err := d.Health(ctx, id)
					mu.Lock()
					results[id] = err
					mu.Unlock()
					return nil
				})
			}
			_ = eg.Wait()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "MODE\tSTATUS\tDETAIL")
			failed := 0
			for _, id := range ids {
				if err := results[id]; err != nil {
					failed++
					_, _ = fmt.Fprintf(tw, "%s\tdown\t%s\n", id, err)
					continue
				}
				_, _ = fmt.Fprintf(tw, "%s\tok\t\n", id)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return errors.Errorf("%d of %d backends are down", failed, len(ids))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&only, "mode", nil, "modes to probe (defaults to all)")
	return cmd
}
