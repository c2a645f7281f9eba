package main

import (
	"github.com/spf13/cobra"

	"github.com/basket/memq/internal/persistence"
)

type migrateReport struct {
	Latest  int                            `json:"latest"`
	Applied []persistence.AppliedMigration `json:"applied"`
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and print the ledger",
		Long: `Open the database, applying every migration not yet in the ledger. Opening
the store from any other command does the same; this one reports the result.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.open(true); err != nil {
				return err
			}
			defer c.close()
			applied, err := persistence.NewMigrator(c.store.DB(), c.logger).Applied(cmd.Context())
			if err != nil {
				return err
			}
			return c.printJSON(migrateReport{Latest: persistence.LatestSchemaVersion(), Applied: applied})
		},
	}
}
