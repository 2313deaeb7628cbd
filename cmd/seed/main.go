package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-scheduling-core/internal/db"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
	"github.com/hackgods/clinic-scheduling-core/internal/seed"
	"github.com/hackgods/clinic-scheduling-core/pkg/logging"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dsn  string
		opts seed.Options
	)

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Fill the clinic database with fake practitioners, patients and resources",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			if dsn == "" {
				dsn = os.Getenv("POSTGRES_DSN")
			}
			if dsn == "" {
				return fmt.Errorf("postgres dsn required: pass --dsn or set POSTGRES_DSN")
			}
			return run(cmd.Context(), dsn, opts, logging.New("info").With("service", "seed"))
		},
	}

	f := cmd.Flags()
	f.StringVar(&dsn, "dsn", "", "postgres connection string (default $POSTGRES_DSN)")
	f.IntVar(&opts.Practitioners, "practitioners", 100, "number of practitioners")
	f.IntVar(&opts.Patients, "patients", 9000, "number of patients")
	f.IntVar(&opts.Rooms, "rooms", 20, "number of rooms")
	f.IntVar(&opts.Equipment, "equipment", 30, "number of equipment items")
	f.Uint64Var(&opts.Seed, "seed", 0, "fixed random seed, 0 for a random one")
	return cmd
}

func run(ctx context.Context, dsn string, opts seed.Options, logger *logging.Logger) error {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(connCtx, dsn, db.PoolOptions{MaxConns: 4})
	if err != nil {
		return err
	}
	defer pool.Close()

	ds := seed.Generate(opts)
	logger.Info("seeding", "practitioners", len(ds.Practitioners), "windows", len(ds.Windows), "patients", len(ds.Patients), "resources", len(ds.Resources))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := seed.Load(ctx, schedule.NewPgRepository(tx), ds); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	logger.Info("seed complete")
	return nil
}
