package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pursuit-sync/internal/clock"
	"pursuit-sync/internal/config"
	"pursuit-sync/internal/domain"
	"pursuit-sync/internal/logging"
	"pursuit-sync/internal/partition"
)

func newPullCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "pull <library-id>",
		Short: "Read a library once and print what each partition holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			store, closeStore, err := openDocumentStore(ctx, cfg, opts, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			mapper := partition.NewMapper(store, clock.Real{}, logger)
			snap, err := mapper.Read(ctx, args[0])
			if err != nil && snap.Empty() {
				return fmt.Errorf("failed to pull library: %w", err)
			}

			printSnapshot(cmd.OutOrStdout(), domain.NormalizeLibraryID(args[0]), snap, time.Now())
			if err != nil {
				return fmt.Errorf("some partitions could not be read: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}

func printSnapshot(w io.Writer, key string, snap partition.Snapshot, now time.Time) {
	if snap.Empty() {
		fmt.Fprintf(w, "library %q has not been published yet\n", key)
		return
	}

	lib := snap.Library
	fmt.Fprintf(w, "library %q\n", key)
	for _, p := range partition.All {
		state := "missing"
		if snap.Present[p] {
			state = "present"
		}
		fmt.Fprintf(w, "  %-9s %s\n", p, state)
	}

	visible := lib.Visible()
	fmt.Fprintf(w, "games:     %s (%s deleted)\n",
		humanize.Comma(int64(len(visible.Games))), humanize.Comma(int64(len(lib.Games)-len(visible.Games))))
	fmt.Fprintf(w, "folders:   %d\n", len(visible.Folders))
	fmt.Fprintf(w, "players:   %d\n", len(visible.Players))
	fmt.Fprintf(w, "rivalries: %d\n", len(visible.Rivalries))
	fmt.Fprintf(w, "messages:  %s\n", humanize.Comma(int64(len(lib.Messages))))
	fmt.Fprintf(w, "results:   %s\n", humanize.Comma(int64(len(lib.Results))))

	if len(visible.Games) > 0 {
		newest := visible.Games[0]
		for _, g := range visible.Games[1:] {
			if g.LastUpdated > newest.LastUpdated {
				newest = g
			}
		}
		fmt.Fprintf(w, "last edit: %q %s\n", newest.Title, humanize.RelTime(time.UnixMilli(newest.LastUpdated), now, "ago", "from now"))
	}
	if t := lib.ActiveTimer; t != nil {
		fmt.Fprintf(w, "timer:     %q %s\n", t.Label, t.Status)
	}
}
