package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newPublishCmd() *cobra.Command {
	var (
		server    string
		token     string
		eventType string
		durable   bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <topic> <json-message>",
		Short: "Publish a message through a running gateway",
		Long: `Publish a JSON message to a topic through the gateway's /api/publish
endpoint. Pass "-" as the message to read it from stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("LIVEFEED_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("a token is required (--token or LIVEFEED_TOKEN)")
			}

			message := []byte(args[1])
			if args[1] == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				message = bytes.TrimSpace(data)
			}
			if !json.Valid(message) {
				return fmt.Errorf("message is not valid JSON")
			}

			body, err := json.Marshal(map[string]any{
				"topic":   args[0],
				"type":    eventType,
				"message": json.RawMessage(message),
				"durable": durable,
			})
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				strings.TrimRight(server, "/")+"/api/publish", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+token)

			resp, err := (&http.Client{Timeout: timeout}).Do(req)
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			defer resp.Body.Close()

			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("publish failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(respBody)))
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Gateway base URL")
	cmd.Flags().StringVar(&token, "token", "", "Access token (defaults to LIVEFEED_TOKEN)")
	cmd.Flags().StringVar(&eventType, "type", "", "Envelope type (defaults to the topic)")
	cmd.Flags().BoolVar(&durable, "durable", false, "Retry through broker outages instead of failing")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	return cmd
}
