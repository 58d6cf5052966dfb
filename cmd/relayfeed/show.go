package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/relayfeed/internal/app"
	"github.com/snehjoshi/relayfeed/internal/feed"
)

func newShowCmd(configPath *string) *cobra.Command {
	var (
		asJSON  bool
		timeout time.Duration
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "show <feed>",
		Short: "Fetch one feed once and print it",
		Example: `  # Print what your follows liked most in the last 12 hours
  relayfeed show hot

  # The zapped feed as JSON
  relayfeed show zapped --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd.Context(), cmd.OutOrStdout(), *configPath, args[0], asJSON, timeout, limit)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the feed state as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	cmd.Flags().IntVar(&limit, "limit", 0, "print at most this many items (0 = all)")
	return cmd
}

func runShow(ctx context.Context, out io.Writer, configPath, name string, asJSON bool, timeout time.Duration, limit int) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Feed.Enabled = []string{name}
	cfg.Feed.FetchCounts = false

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p, _ := a.Feed(name)
	a.Start(ctx)

	var st feed.State
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.RunRelays(gctx) })
	g.Go(func() error {
		defer cancel()
		// Give the pool a moment to connect so discovery reaches relays.
		waitForRelays(gctx, a, len(cfg.Relays))
		var err error
		st, err = p.Refresh(gctx)
		return err
	})
	if err := g.Wait(); err != nil && st.Phase == feed.PhaseInitializing {
		return fmt.Errorf("show %s: %w", name, err)
	}

	if limit > 0 && len(st.Items) > limit {
		st.Items = st.Items[:limit]
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	return printState(out, name, st)
}

func waitForRelays(ctx context.Context, a *app.App, configured int) {
	if configured == 0 {
		return
	}
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for len(a.Pool.Connected()) == 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

func printState(out io.Writer, name string, st feed.State) error {
	if st.Phase != feed.PhaseReady {
		_, err := fmt.Fprintf(out, "%s: %s\n", name, st.Phase)
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tACTORS\tSATS\tAGE\tID\tCONTENT")
	now := time.Now()
	for i, it := range st.Items {
		age := now.Sub(it.Event.CreatedAt.Time()).Truncate(time.Minute)
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\n",
			i+1, it.Score.Actors, it.Score.Weight, age, it.Event.ID[:12], snippet(it.Event.Content, 60))
	}
	return tw.Flush()
}

// snippet flattens content to one line of at most n runes.
func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
