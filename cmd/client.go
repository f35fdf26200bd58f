package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"sprinklers/internal/client"
	"sprinklers/internal/device"
	"sprinklers/internal/gateway"
	"sprinklers/internal/logger"
	"sprinklers/internal/protocol"
)

var (
	clientURL      string
	clientToken    string
	loginURL       string
	loginUsername  string
	loginPassword  string
	callTimeout    time.Duration
	watchReconnect time.Duration
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Get an access token from a gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(gateway.GrantRequest{
			GrantType: "password",
			Username:  loginUsername,
			Password:  loginPassword,
		})
		if err != nil {
			return err
		}

		httpClient := &http.Client{Timeout: 10 * time.Second}
		resp, err := httpClient.Post(strings.TrimRight(loginURL, "/")+"/api/token/grant", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("connection failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var failure struct {
				Message string `json:"message"`
			}
			json.NewDecoder(resp.Body).Decode(&failure)
			return fmt.Errorf("login failed: HTTP %d: %s", resp.StatusCode, failure.Message)
		}

		var pair gateway.TokenPair
		if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		if verbose {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(pair)
		}
		cmd.Println(pair.AccessToken)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <device-id>",
	Short: "Print a device's state every time it changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(watchReconnect)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if err := c.Start(ctx); err != nil && protocol.NeedsReauthentication(err) {
			return err
		}
		d, err := c.Device(ctx, args[0])
		if err != nil {
			return err
		}
		defer c.ReleaseDevice(ctx, args[0])

		var mutex sync.Mutex
		encoder := json.NewEncoder(cmd.OutOrStdout())
		show := func() {
			mutex.Lock()
			defer mutex.Unlock()
			encoder.Encode(d.Snapshot())
		}
		stop := d.Observe(show)
		defer stop()
		show()

		<-ctx.Done()
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call <device-id> <request-json>",
	Short: "Send one request to a device",
	Long: `Send one request to a device and print its reply, for example:

  sprinklers call front '{"type":"runSection","sectionId":2,"duration":300}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := device.ParseRequest([]byte(args[1]))
		if err != nil {
			return err
		}

		c, err := newClient(client.DefaultReconnectDelay)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := signalContext()
		defer cancel()
		if err := c.Start(ctx); err != nil {
			return err
		}

		resp, err := c.DeviceCall(ctx, args[0], req)
		if resp != nil {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			encoder.Encode(resp)
		}
		return err
	},
}

func newClient(reconnect time.Duration) (*client.Client, error) {
	token := clientToken
	if token == "" {
		token = os.Getenv("SPRINKLERS_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("an access token is required: use --token or SPRINKLERS_TOKEN")
	}
	if verbose {
		setupLogging(logger.LOG_DEBUG, logFormat)
	}
	return client.New(clientURL, client.StaticToken(token),
		client.WithReconnectDelay(reconnect),
		client.WithRequestTimeout(callTimeout)), nil
}

func init() {
	loginCmd.Flags().StringVar(&loginURL, "url", "http://localhost:8080", "Gateway base URL")
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "Username")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password")
	loginCmd.MarkFlagRequired("username")
	loginCmd.MarkFlagRequired("password")

	for _, c := range []*cobra.Command{watchCmd, callCmd} {
		c.Flags().StringVar(&clientURL, "url", "ws://localhost:8080/api/ws", "Gateway WebSocket URL")
		c.Flags().StringVar(&clientToken, "token", "", "Access token (defaults to $SPRINKLERS_TOKEN)")
		c.Flags().DurationVar(&callTimeout, "timeout", client.DefaultRequestTimeout, "Request timeout")
	}
	watchCmd.Flags().DurationVar(&watchReconnect, "reconnect-delay", client.DefaultReconnectDelay, "Delay between reconnect attempts")
}
