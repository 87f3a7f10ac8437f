// cubesync is the operator tool for an uplink database: bootstrapping,
// inspection and reset. The synchronization protocol itself is a library
// (package uplink); this binary only touches the ledgers.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cubesync/cubesync/sql"
	"github.com/cubesync/cubesync/sql/chunks"
	"github.com/cubesync/cubesync/sql/positions"
	"github.com/cubesync/cubesync/sql/revisions"
)

func main() {
	root := &cobra.Command{
		Use:           "cubesync",
		Short:         "operator tooling for an uplink database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("db", "d", "uplink.sql", "path to the uplink sqlite database")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("latency-metering", false, "record per-query latency metrics")

	viper.SetEnvPrefix("cubesync")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(root.PersistentFlags()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root.AddCommand(initCmd(), headCmd(), statusCmd(), truncateCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	return config.Build()
}

func openDB(logger *zap.Logger) (*sql.Database, error) {
	return sql.Open("file:"+viper.GetString("db"),
		sql.WithLogger(logger),
		sql.WithLatencyMetering(viper.GetBool("latency-metering")),
	)
}

func withDB(run func(db *sql.Database) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	db, err := openDB(logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return run(db)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "bootstrap the revision ledger with revision 0",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *sql.Database) error {
				if err := revisions.Bootstrap(db); err != nil {
					return err
				}
				fmt.Println("initialized")
				return nil
			})
		},
	}
}

func headCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "head",
		Short: "print the current head revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *sql.Database) error {
				head, err := revisions.Head(db)
				if err != nil {
					if errors.Is(err, sql.ErrNotFound) {
						return errors.New("uplink is not initialized, run `cubesync init`")
					}
					return err
				}
				creator, err := revisions.Creator(db, head)
				if err != nil {
					return err
				}
				fmt.Printf("head = %s (created by %q)\n", head, creator)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "summarize live chunks and partition checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *sql.Database) error {
				head, err := revisions.Head(db)
				if err != nil {
					if errors.Is(err, sql.ErrNotFound) {
						return errors.New("uplink is not initialized, run `cubesync init`")
					}
					return err
				}
				live, err := chunks.Live(db)
				if err != nil {
					return err
				}
				perAggregation := map[string]int{}
				for _, chunk := range live {
					perAggregation[string(chunk.Aggregation)]++
				}
				latest, err := positions.Latest(db)
				if err != nil {
					return err
				}
				fmt.Printf("head = %s\n", head)
				fmt.Printf("live chunks = %d\n", len(live))
				for aggregation, count := range perAggregation {
					fmt.Printf("  %s: %d\n", aggregation, count)
				}
				fmt.Printf("partitions = %d\n", len(latest))
				for partition, position := range latest {
					fmt.Printf("  %s: %s\n", partition, position)
				}
				return nil
			})
		},
	}
}

func truncateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "truncate",
		Short: "delete all chunks, checkpoints and revisions above 0",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return errors.New("refusing to truncate without --force")
			}
			return withDB(func(db *sql.Database) error {
				return db.WithTxImmediate(cmd.Context(), func(tx *sql.Tx) error {
					if err := chunks.Truncate(tx); err != nil {
						return err
					}
					if err := positions.Truncate(tx); err != nil {
						return err
					}
					return revisions.Prune(tx)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "actually truncate")
	return cmd
}
