package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundtable/internal/config"
	"github.com/zulandar/roundtable/internal/session"
	"golang.org/x/term"
)

// runOpts holds the flags of the run command.
type runOpts struct {
	ConfigPath    string
	Industry      string
	Budget        float64
	Timeline      string
	Requirements  []string
	Solutions     []string
	Metrics       map[string]string
	Priority      string
	SkipSynthesis bool
	Persist       bool
	JSON          bool
	Timeout       time.Duration
	PollInterval  time.Duration
}

func newRunCmd() *cobra.Command {
	opts := runOpts{PollInterval: 250 * time.Millisecond}

	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Run one collaboration session locally",
		Long: `Runs a single collaboration session in-process, waits for it to finish
and prints a summary. Output is JSON when stdout is not a terminal or
--json is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath, "path to Roundtable config file")
	f.StringVar(&opts.Industry, "industry", "", "industry context")
	f.Float64Var(&opts.Budget, "budget", 0, "budget in USD (0 omits it)")
	f.StringVar(&opts.Timeline, "timeline", "", "timeline context, e.g. \"6 months\"")
	f.StringArrayVar(&opts.Requirements, "requirement", nil, "requirement (repeatable)")
	f.StringArrayVar(&opts.Solutions, "current-solution", nil, "current solution (repeatable)")
	f.StringToStringVar(&opts.Metrics, "metric", nil, "target metric as name=value (repeatable)")
	f.StringVar(&opts.Priority, "priority", "", "low, normal, high or urgent")
	f.BoolVar(&opts.SkipSynthesis, "skip-synthesis", false, "skip the synthesis phase")
	f.BoolVar(&opts.Persist, "persist", false, "archive the result")
	f.BoolVar(&opts.JSON, "json", false, "print the session as JSON")
	f.DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "give up waiting after this long")
	return cmd
}

func runRun(cmd *cobra.Command, query string, opts runOpts) error {
	req, err := buildRequest(query, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	a, err := buildApp(ctx, opts.ConfigPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		a.orch.Shutdown(shutdownCtx)
	}()

	h, err := a.orch.Start(ctx, req)
	if err != nil {
		return err
	}

	s, err := waitForSession(ctx, a.orch.Status, h.SessionID, opts.PollInterval)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.JSON || !isTerminal(out) {
		return writeJSON(out, s)
	}
	formatSession(out, s)
	if s.Status == session.StatusFailed {
		return fmt.Errorf("session %s failed: %s", s.ID, s.Error)
	}
	return nil
}

func buildRequest(query string, opts runOpts) (session.Request, error) {
	req := session.Request{
		Query: query,
		Context: session.Context{
			Industry:         opts.Industry,
			Timeline:         opts.Timeline,
			Requirements:     opts.Requirements,
			CurrentSolutions: opts.Solutions,
		},
		Options: session.Options{
			SkipSynthesis:  opts.SkipSynthesis,
			PersistResults: opts.Persist,
			Priority:       session.Priority(opts.Priority),
		},
	}
	if opts.Budget > 0 {
		b := opts.Budget
		req.Context.Budget = &b
	}
	if len(opts.Metrics) > 0 {
		req.Context.TargetMetrics = make(map[string]float64, len(opts.Metrics))
		for k, v := range opts.Metrics {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return req, fmt.Errorf("metric %s: %q is not a number", k, v)
			}
			req.Context.TargetMetrics[k] = f
		}
	}
	return req, nil
}

type statusFunc func(ctx context.Context, id string) (*session.Session, error)

// waitForSession polls status until the session is terminal or ctx ends.
func waitForSession(ctx context.Context, status statusFunc, id string, interval time.Duration) (*session.Session, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s, err := status(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Status.Terminal() {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for session %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
