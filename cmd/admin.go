package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"sprinklers/internal/gateway"
)

var (
	userName       string
	userPassword   string
	deviceBrokerID string
	deviceName     string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage gateway users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := userPassword
		if password == "" {
			cmd.Print("Password: ")
			if _, err := fmt.Fscanln(cmd.InOrStdin(), &password); err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
		}
		if len(password) < 8 {
			return fmt.Errorf("password must be at least 8 characters")
		}

		database, err := openGatewayDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		hash, err := gateway.NewPasswordService().HashPassword(password)
		if err != nil {
			return err
		}
		user, err := database.CreateUser(cmd.Context(), args[0], userName, hash)
		if err != nil {
			return err
		}
		cmd.Printf("✓ User created: %s (id %d)\n", user.Username, user.ID)
		return nil
	},
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage devices and who may use them",
}

var deviceAddCmd = &cobra.Command{
	Use:   "add <device-id>",
	Short: "Register a device",
	Long: `Register a device under the id clients use. The broker id is the topic
segment the device publishes under and defaults to the device id.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openGatewayDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		device, err := database.CreateDevice(cmd.Context(), args[0], deviceBrokerID, deviceName)
		if err != nil {
			return err
		}
		cmd.Printf("✓ Device registered: %s (broker id %s)\n", device.DeviceID, device.BrokerID)
		return nil
	},
}

var deviceGrantCmd = &cobra.Command{
	Use:   "grant <username> <device-id>",
	Short: "Allow a user to use a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), args[0], func(database *gateway.Database, user *gateway.User) error {
			if err := database.GrantDevice(cmd.Context(), user.ID, args[1]); err != nil {
				return err
			}
			cmd.Printf("✓ %s may now use %s\n", user.Username, args[1])
			return nil
		})
	},
}

var deviceRevokeCmd = &cobra.Command{
	Use:   "revoke <username> <device-id>",
	Short: "Remove a user's access to a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), args[0], func(database *gateway.Database, user *gateway.User) error {
			if err := database.RevokeDevice(cmd.Context(), user.ID, args[1]); err != nil {
				return err
			}
			cmd.Printf("✓ %s may no longer use %s\n", user.Username, args[1])
			return nil
		})
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list <username>",
	Short: "List the devices a user may use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), args[0], func(database *gateway.Database, user *gateway.User) error {
			devices, err := database.GetUserDevices(cmd.Context(), user.ID)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				cmd.Printf("%s has no devices\n", user.Username)
				return nil
			}
			for _, d := range devices {
				cmd.Printf("  - %s (broker id %s) %s\n", d.DeviceID, d.BrokerID, d.Name)
			}
			return nil
		})
	},
}

func withUser(ctx context.Context, username string, fn func(*gateway.Database, *gateway.User) error) error {
	database, err := openGatewayDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	user, err := database.GetUserByUsername(ctx, username)
	if errors.Is(err, gateway.ErrNotFound) {
		return fmt.Errorf("user %q does not exist", username)
	}
	if err != nil {
		return err
	}
	return fn(database, user)
}

func init() {
	for _, c := range []*cobra.Command{userCmd, deviceCmd} {
		c.PersistentFlags().StringVarP(&gatewayConfigPath, "config", "c", "gateway.yml", "Path to gateway configuration file")
		c.PersistentFlags().StringVar(&gatewayDBPath, "db", "", "Override the database path")
	}

	userAddCmd.Flags().StringVar(&userName, "name", "", "Display name")
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Password (prompted when empty)")
	userCmd.AddCommand(userAddCmd)

	deviceAddCmd.Flags().StringVar(&deviceBrokerID, "broker-id", "", "Topic segment the device publishes under")
	deviceAddCmd.Flags().StringVar(&deviceName, "name", "", "Display name")
	deviceCmd.AddCommand(deviceAddCmd)
	deviceCmd.AddCommand(deviceGrantCmd)
	deviceCmd.AddCommand(deviceRevokeCmd)
	deviceCmd.AddCommand(deviceListCmd)
}
