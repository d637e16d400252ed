package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/fieldline/taskflow/modules/tasking/infrastructure/persistence"
	"github.com/fieldline/taskflow/modules/tasking/services"
	"github.com/fieldline/taskflow/pkg/composables"
	"github.com/fieldline/taskflow/pkg/configuration"
	"github.com/fieldline/taskflow/pkg/logging"
)

func newPurgeCmd() *cobra.Command {
	var companyFlag string

	cmd := &cobra.Command{
		Use:   "purge-company",
		Short: "Delete every record a company owns, in batched transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			companyID, err := uuid.Parse(companyFlag)
			if err != nil {
				return fmt.Errorf("invalid --company: %w", err)
			}

			conf := configuration.Use()
			ctx := cmd.Context()

			pool, err := pgxpool.New(ctx, conf.Database.Opts)
			if err != nil {
				return err
			}
			defer pool.Close()

			purge := services.NewPurgeService(services.PurgeDeps{
				Purge: persistence.NewPgPurgeRepository(),
				Locks: persistence.NewAdvisoryLocker(pool),
				InTx:  composables.InTx,
				// A one-shot CLI prints to the terminal instead of the
				// server's JSON log file.
				Log: logging.ConsoleLogger(conf.LogrusLogLevel()),
			}, conf.Engine.PurgeBatchSize)

			result, err := purge.PurgeCompany(composables.WithPool(ctx, pool), companyID)
			if err != nil {
				return err
			}
			for table, n := range result.Deleted {
				cmd.Printf("%s: %d rows\n", table, n)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&companyFlag, "company", "", "company id (uuid)")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}
