package main

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq" // postgres driver
	"github.com/spf13/cobra"

	"github.com/txn2/steptracker/pkg/auth"
	"github.com/txn2/steptracker/pkg/cache/sqlite"
	"github.com/txn2/steptracker/pkg/database/migrate"
	"github.com/txn2/steptracker/pkg/platform"
	"github.com/txn2/steptracker/pkg/steps"
)

var errNoDatabase = errors.New("store.driver is not postgres, nothing to migrate")

func openStoreDB(cfg *platform.Config) (*sql.DB, error) {
	if cfg.Store.Driver != platform.DriverPostgres {
		return nil, errNoDatabase
	}
	if cfg.Store.DSN == "" {
		return nil, errors.New("store.dsn is required")
	}
	db, err := sql.Open("postgres", cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Manage the postgres document store schema"}

	withDB := func(fn func(cmd *cobra.Command, db *sql.DB, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			db, err := openStoreDB(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			return fn(cmd, db, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withDB(func(cmd *cobra.Command, db *sql.DB, _ []string) error {
			if err := migrate.Run(db); err != nil {
				return err
			}
			return printVersion(cmd, db)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		Args:  cobra.NoArgs,
		RunE: withDB(func(_ *cobra.Command, db *sql.DB, _ []string) error {
			return migrate.Down(db)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "steps <n>",
		Short: "Apply n migrations, negative values roll back",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(func(cmd *cobra.Command, db *sql.DB, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid step count %q: %w", args[0], err)
			}
			if err := migrate.Steps(db, n); err != nil {
				return err
			}
			return printVersion(cmd, db)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE:  withDB(func(cmd *cobra.Command, db *sql.DB, _ []string) error { return printVersion(cmd, db) }),
	})
	return cmd
}

func printVersion(cmd *cobra.Command, db *sql.DB) error {
	v, dirty, err := migrate.Version(db)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
	return nil
}

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Inspect the local count cache"}

	cmd.AddCommand(&cobra.Command{
		Use:   "purge <user>",
		Short: "Remove every cached entry for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Cache.Driver != platform.DriverSQLite {
				return fmt.Errorf("cache driver %q keeps no state outside a running server", cfg.Cache.Driver)
			}
			store, err := sqlite.Open(cfg.Cache.Path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			n, err := steps.PurgeCache(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d cache entries for %s\n", n, args[0])
			return nil
		},
	})
	return cmd
}

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Operator API key helpers"}

	cmd.AddCommand(&cobra.Command{
		Use:   "hash [key]",
		Short: "Print the bcrypt hash of an API key for auth.api_keys",
		Long:  "Print the bcrypt hash of an API key. The key is read from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading key from stdin: %w", err)
				}
				key = strings.TrimSpace(line)
			}
			if key == "" {
				return errors.New("key must not be empty")
			}
			hash, err := auth.HashKey(key)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})
	return cmd
}
