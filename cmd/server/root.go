package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
	"github.com/spf13/cobra"

	"pursuit-sync/internal/config"
	"pursuit-sync/internal/repository"
)

type rootOptions struct {
	memory bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "pursuit-sync",
		Short: "Replicated game library sync engine",
		Long: `pursuit-sync keeps a local game library in step with a shared CouchDB
library. Every replica edits locally, pushes its state and merges whatever the
others pushed.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVar(&opts.memory, "memory", false, "use an in-process document store instead of CouchDB")

	cmd.AddCommand(newServeCmd(opts), newPullCmd(opts))
	return cmd
}

// openDocumentStore connects to CouchDB and creates the database on first use.
func openDocumentStore(ctx context.Context, cfg *config.Config, opts *rootOptions, logger *slog.Logger) (repository.DocumentStore, func(), error) {
	maxBytes := int64(cfg.Sync.MaxDocumentBytes)
	if opts.memory {
		logger.Warn("using in-memory document store, nothing is shared")
		return repository.NewMemoryDocumentStore(maxBytes), func() {}, nil
	}

	client, err := kivik.New("couch", cfg.Database.URL())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	exists, err := client.DBExists(ctx, cfg.Database.Name)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		if err := client.CreateDB(ctx, cfg.Database.Name); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("created database", "name", cfg.Database.Name)
	}

	logger.Info("connected to CouchDB", "host", cfg.Database.Host, "port", cfg.Database.Port, "db", cfg.Database.Name)
	return repository.NewCouchDocumentStore(client, cfg.Database.Name, maxBytes), func() { client.Close() }, nil
}
