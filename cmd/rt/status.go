package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundtable/internal/session"
)

func newStatusCmd() *cobra.Command {
	var (
		server  string
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session from a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			s, err := fetchStatus(ctx, http.DefaultClient, server, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON || !isTerminal(out) {
				return writeJSON(out, s)
			}
			formatSession(out, s)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Roundtable API base URL")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the session as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

// statusEnvelope is the success or error body of the status endpoint.
type statusEnvelope struct {
	Success bool             `json:"success"`
	Data    *session.Session `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func fetchStatus(ctx context.Context, client *http.Client, server, id string) (*session.Session, error) {
	u := strings.TrimRight(server, "/") + "/collaboration/status/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("status: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("status: read body: %w", err)
	}
	var env statusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("status: decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success || env.Data == nil {
		if env.Error != nil {
			return nil, fmt.Errorf("status: %s: %s", env.Error.Code, env.Error.Message)
		}
		return nil, fmt.Errorf("status: unexpected HTTP %d", resp.StatusCode)
	}
	return env.Data, nil
}
