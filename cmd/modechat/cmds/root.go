package cmds

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/modechat/pkg/config"
	"github.com/go-go-golems/modechat/pkg/logging"
)

// app is shared by every subcommand. cfg is filled in PersistentPreRunE.
type app struct {
	v   *viper.Viper
	cfg config.Config
}

func NewRootCommand() (*cobra.Command, error) {
	a := &app{v: config.New()}
	root := &cobra.Command{
		Use:          "modechat",
		Short:        "modechat routes conversations to per-mode assistant backends",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			file, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.Load(a.v, file)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return logging.Init(cfg.Logging)
		},
	}
	if err := config.AddFlags(root, a.v); err != nil {
		return nil, errors.Wrap(err, "register flags")
	}

	serve, err := newServeCommand(a)
	if err != nil {
		return nil, err
	}
	root.AddCommand(
		serve,
		newTUICommand(a),
		newAskCommand(a),
		newModesCommand(a),
		newHealthCommand(a),
		newHistoryCommand(a),
	)
	return root, nil
}
