package command

import (
	"github.com/cirruslabs/cloudmirror/internal/command/serve"
	"github.com/cirruslabs/cloudmirror/internal/logginglevel"
	"github.com/cirruslabs/cloudmirror/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

var debug bool

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cloudmirror",
		Short:         "Mirror immutable HTTPS artifacts into regional object stores",
		Version:       version.FullVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if debug {
				logginglevel.Level.SetLevel(zapcore.DebugLevel)
			}

			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		serve.NewCommand(),
	)

	return cmd
}
