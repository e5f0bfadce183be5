package cmds

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newModesCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "modes",
		Short: "List the configured modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.cfg.Registry()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			list := reg.List()
			switch output {
			case "yaml":
				enc := yaml.NewEncoder(out)
				defer func() { _ = enc.Close() }()
				return enc.Encode(map[string]any{"modes": list})
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			case "table", "":
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tNAME\tENDPOINT\tSTREAMING\tTIMEOUT")
				for _, m := range list {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n",
						m.ID, m.Name, m.Backend.Endpoint(), m.Backend.IsStreaming(), m.Backend.Timeout)
				}
				return tw.Flush()
			default:
				return errors.Errorf("unknown output %q", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table, json, yaml)")
	return cmd
}
