package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/grant-harvester/internal/server"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return server.Migrate(cmd.Context(), env.Config, env.Logger)
		},
	}
}
