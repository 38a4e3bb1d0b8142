// Command echo-client demonstrates a full round trip against a running
// harness: create a session, register an intercept, issue one http-service
// request and print the response event.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/burpheart/replay-tap/internal/protocol"
	"github.com/burpheart/replay-tap/pkg/client"
)

var (
	endpoint  string
	sessionID string
	mode      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "echo-client",
		Short: "Demo client for the replay harness",
		RunE:  run,
	}
	rootCmd.Flags().StringVar(&endpoint, "endpoint", "ws://127.0.0.1:8787", "Harness endpoint (ws:// or unix:/path)")
	rootCmd.Flags().StringVar(&sessionID, "session", "echo-demo", "Session id to create and use")
	rootCmd.Flags().StringVar(&mode, "mode", "record", "Session mode")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	// Top-level control connection creates the session.
	ctrl, err := client.Dial(ctx, endpoint, "", client.WithLogger(log))
	if err != nil {
		return err
	}
	defer ctrl.Close()

	resp, err := ctrl.Control(ctx, protocol.ControlCommand{
		Command:       protocol.ControlCreateSession,
		SessionID:     sessionID,
		Mode:          mode,
		RecordingPath: sessionID + ".json",
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("create session: %s", resp.Error.Message)
	}
	fmt.Printf("session %s created (%s)\n", sessionID, mode)

	// Session connection carries the actual traffic.
	c, err := client.Dial(ctx, endpoint, sessionID, client.WithLogger(log))
	if err != nil {
		return err
	}
	defer c.Close()

	interceptResp, err := c.Control(ctx, protocol.ControlCommand{
		Command: protocol.ControlRegisterIntercept,
		Intercept: &protocol.InterceptSpec{
			Match: protocol.InterceptMatch{
				Service:  "http",
				URLMatch: &protocol.URLMatch{Type: protocol.URLMatchContains, Value: "httpbin"},
			},
			Response: protocol.ResponsePayload{
				Service: "http",
				Payload: json.RawMessage(`{"status":200,"body":"ok"}`),
			},
			Priority: 10,
		},
	})
	if err != nil {
		return err
	}
	if !interceptResp.Success {
		return fmt.Errorf("register intercept: %s", interceptResp.Error.Message)
	}

	payload := json.RawMessage(`{"method":"POST","url":"https://httpbin.org/anything","body":"hello"}`)
	ev, err := c.Call(ctx, "http", payload, 10*time.Second)
	if err != nil {
		return err
	}

	fmt.Printf("response service=%s payload=%s\n", ev.Payload.Response.Service, ev.Payload.Response.Payload)

	if _, err := c.Control(ctx, protocol.ControlCommand{Command: protocol.ControlCloseSession}); err != nil {
		return err
	}
	fmt.Println("session closed, recording flushed")
	return nil
}
