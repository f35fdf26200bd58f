package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"sprinklers/internal/gateway"
	"sprinklers/internal/hub"
	"sprinklers/internal/logger"
)

var (
	gatewayConfigPath string
	gatewayDBPath     string
	gatewayAddr       string
	gatewaySimulate   string
	gatewayStatusURL  string
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway server",
	Long: `The gateway keeps one connection to the broker and serves WebSocket sessions
that subscribe to devices, receive their state and call them. It also serves a
small REST API for tokens and device listings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadGatewayConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		setupLogging(config.Logging.Level, config.Logging.Format)

		log := logger.GetLogger("cmd")
		log.Info().
			Str("config_file", gatewayConfigPath).
			Str("db_path", config.Database.Path).
			Str("address", config.Server.Address).
			Str("broker", config.Broker.URL).
			Msg("Starting sprinklers gateway")

		database, err := gateway.NewDatabase(config.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer database.Close()

		transport, err := openTransport(brokerSettings{
			URL:      config.Broker.URL,
			ClientID: config.Broker.ClientID,
			Username: config.Broker.Username,
			Password: config.Broker.Password,
		})
		if err != nil {
			return err
		}

		server, err := gateway.NewServer(config, database, transport)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		if gatewaySimulate != "" {
			daemon, err := startSimulatedHub(ctx, gatewaySimulate, config.Broker.URL, config.Broker.TopicPrefix)
			if err != nil {
				return err
			}
			defer daemon.Stop()
		}

		return server.ListenAndServe(ctx)
	},
}

// startSimulatedHub runs the hub from hubConfigPath inside the gateway
// process on the gateway's broker
func startSimulatedHub(ctx context.Context, hubConfigPath, brokerURL, prefix string) (*hub.Daemon, error) {
	config, err := hub.LoadConfig(hubConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load hub config: %w", err)
	}
	config.Broker.URL = brokerURL
	config.Broker.TopicPrefix = prefix

	transport, err := openTransport(brokerSettings{
		URL:      config.Broker.URL,
		ClientID: config.Broker.ClientID,
		Username: config.Broker.Username,
		Password: config.Broker.Password,
	})
	if err != nil {
		return nil, err
	}
	daemon, err := hub.NewDaemon(config, transport)
	if err != nil {
		return nil, err
	}
	if err := daemon.Start(ctx); err != nil {
		logger.GetLogger("cmd").Warn().Err(err).Msg("Simulated hub not connected yet, retrying in background")
	}
	return daemon, nil
}

var gatewayInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a gateway configuration and database",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := gatewayConfigPath
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			config := gateway.NewDefaultConfig()
			secret, err := gateway.GenerateSecret()
			if err != nil {
				return err
			}
			config.Security.JWT.SecretKey = secret
			if gatewayDBPath != "" {
				config.Database.Path = gatewayDBPath
			}
			if err := gateway.SaveConfig(config, configPath); err != nil {
				return fmt.Errorf("failed to save config file: %w", err)
			}
			cmd.Printf("✓ Configuration file created: %s\n", configPath)
		} else {
			cmd.Printf("✓ Configuration file already exists: %s\n", configPath)
		}

		config, err := gateway.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		database, err := gateway.NewDatabase(config.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer database.Close()
		cmd.Printf("✓ Database ready: %s\n", config.Database.Path)

		cmd.Printf("\nAdd a user with: sprinklers user add <username> -c %s\n", configPath)
		cmd.Printf("Start the gateway with: sprinklers gateway -c %s\n", configPath)
		return nil
	},
}

var gatewayStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check a running gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(strings.TrimRight(gatewayStatusURL, "/") + "/api/health")
		if err != nil {
			cmd.Printf("Gateway Status: ✗ OFFLINE\n")
			return fmt.Errorf("connection failed: %w", err)
		}
		defer resp.Body.Close()

		var health map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		if verbose {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(health)
		}

		status, _ := health["status"].(string)
		icon := "✓"
		if status != "ok" {
			icon = "✗"
		}
		cmd.Printf("Gateway Status: %s %s\n", icon, strings.ToUpper(status))
		cmd.Printf("Broker Connected: %v\n", health["broker_connected"])
		cmd.Printf("Sessions: %v\n", health["sessions"])
		cmd.Printf("Uptime: %v\n", health["uptime"])
		return nil
	},
}

// loadGatewayConfiguration loads the config file and applies flag
// overrides
func loadGatewayConfiguration() (*gateway.Config, error) {
	config, err := gateway.LoadConfig(gatewayConfigPath)
	if err != nil {
		return nil, err
	}
	if gatewayDBPath != "" {
		config.Database.Path = gatewayDBPath
	}
	if gatewayAddr != "" {
		config.Server.Address = gatewayAddr
	}
	if verbose {
		config.Logging.Level = logger.LOG_DEBUG
	}
	return config, config.Validate()
}

// openGatewayDatabase opens the database named by the gateway config
func openGatewayDatabase() (*gateway.Database, error) {
	config, err := loadGatewayConfiguration()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return gateway.NewDatabase(config.Database.Path)
}

// setupLogging enables log output for long-running commands
func setupLogging(level, format string) {
	logger.SetSilentMode(false)
	logger.SetFormat(format)
	logger.SetLevel(level)
}

func init() {
	gatewayCmd.PersistentFlags().StringVarP(&gatewayConfigPath, "config", "c", "gateway.yml", "Path to gateway configuration file")
	gatewayCmd.PersistentFlags().StringVar(&gatewayDBPath, "db", "", "Override the database path")
	gatewayCmd.Flags().StringVar(&gatewayAddr, "addr", "", "Override the listen address")
	gatewayCmd.Flags().StringVar(&gatewaySimulate, "simulate", "", "Run the hub from this config in-process")
	gatewayStatusCmd.Flags().StringVar(&gatewayStatusURL, "url", "http://localhost:8080", "Gateway base URL")

	gatewayCmd.AddCommand(gatewayInitCmd)
	gatewayCmd.AddCommand(gatewayStatusCmd)
}
