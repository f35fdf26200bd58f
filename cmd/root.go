package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"sprinklers/internal/logger"
)

var (
	verbose   bool
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "sprinklers",
	Short: "Sprinklers - remote control for irrigation controllers",
	Long: `Sprinklers connects irrigation controllers on an MQTT broker to remote clients.
The gateway serves authenticated WebSocket sessions, the hub simulates controllers,
and the client commands watch and drive devices through a running gateway.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetFormat(logFormat)
		if verbose {
			logger.SetSilentMode(false)
			logger.SetLevel(logger.LOG_DEBUG)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logger.FORMAT_TEXT, "log format (text or json)")

	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(hubCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(callCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
