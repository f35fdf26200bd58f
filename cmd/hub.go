package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"sprinklers/internal/hub"
	"sprinklers/internal/logger"
)

var hubConfigPath string

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run simulated irrigation controllers",
	Long: `The hub connects to the broker and serves every device in its configuration
the way real controllers do: it publishes retained state topics and answers
requests, so a gateway can be exercised without hardware.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		level := logger.LOG_INFO
		if verbose {
			level = logger.LOG_DEBUG
		}
		setupLogging(level, logFormat)
		log := logger.GetLogger("cmd")

		if _, err := os.Stat(hubConfigPath); os.IsNotExist(err) {
			if err := hub.SaveConfig(hub.NewDefaultConfig(), hubConfigPath); err != nil {
				return fmt.Errorf("failed to create default config file: %w", err)
			}
			log.Info().
				Str("config_path", hubConfigPath).
				Msg("Created default configuration file. Please edit it with your settings.")
			return nil
		}

		config, err := hub.LoadConfig(hubConfigPath)
		if err != nil {
			return err
		}
		transport, err := openTransport(brokerSettings{
			URL:      config.Broker.URL,
			ClientID: config.Broker.ClientID,
			Username: config.Broker.Username,
			Password: config.Broker.Password,
		})
		if err != nil {
			return err
		}
		daemon, err := hub.NewDaemon(config, transport)
		if err != nil {
			return fmt.Errorf("failed to create hub daemon: %w", err)
		}

		log.Info().
			Str("config_path", hubConfigPath).
			Str("broker", config.Broker.URL).
			Msg("Starting hub")

		ctx, cancel := signalContext()
		defer cancel()
		return daemon.Run(ctx)
	},
}

var hubConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage hub configuration",
}

var hubConfigGenerateCmd = &cobra.Command{
	Use:   "generate [config-file]",
	Short: "Generate default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := hubConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}
		if err := hub.SaveConfig(hub.NewDefaultConfig(), configPath); err != nil {
			return fmt.Errorf("failed to save default config: %w", err)
		}
		cmd.Printf("Default configuration saved to: %s\n", configPath)
		return nil
	},
}

var hubConfigValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := hubConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}
		config, err := hub.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		cmd.Printf("Configuration file is valid: %s\n", configPath)
		cmd.Printf("Broker: %s (prefix %s)\n", config.Broker.URL, config.Broker.TopicPrefix)
		cmd.Printf("Configured devices: %d\n", len(config.Devices))
		for _, device := range config.Devices {
			cmd.Printf("  - %s: %d sections, %d programs\n", device.ID, len(device.Sections), len(device.Programs))
		}
		return nil
	},
}

func init() {
	hubCmd.PersistentFlags().StringVarP(&hubConfigPath, "config", "c", "hub.yml", "Path to hub configuration file")

	hubCmd.AddCommand(hubConfigCmd)
	hubConfigCmd.AddCommand(hubConfigGenerateCmd)
	hubConfigCmd.AddCommand(hubConfigValidateCmd)
}
