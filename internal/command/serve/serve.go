package serve

import (
	"bytes"
	"fmt"
	configpkg "github.com/cirruslabs/cloudmirror/internal/config"
	fleetpkg "github.com/cirruslabs/cloudmirror/internal/fleet"
	"github.com/cirruslabs/cloudmirror/internal/opentelemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"os"
)

var configPath string

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Cloud Mirror server and its copy workers",
		RunE:  serve,
	}

	cmd.Flags().StringVarP(&configPath, "file", "f", "",
		"configuration file path (e.g. /etc/cloudmirror.yml)")

	return cmd
}

func serve(cmd *cobra.Command, _ []string) error {
	if configPath == "" {
		return fmt.Errorf("configuration file path (-f or --file) needs to be specified")
	}

	// Parse the configuration file
	configBytes, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file at path %s: %w", configPath, err)
	}

	config, err := configpkg.Parse(bytes.NewReader(configBytes))
	if err != nil {
		return fmt.Errorf("failed to parse configuration file at path %s: %w", configPath, err)
	}

	// Metrics
	_, opentelemetryDeinit, err := opentelemetry.Init(cmd.Context())
	if err != nil {
		return err
	}
	defer opentelemetryDeinit()

	fleet, err := fleetpkg.New(cmd.Context(), config, fleetpkg.WithLogger(zap.S()))
	if err != nil {
		return err
	}

	return fleet.Run(cmd.Context())
}
