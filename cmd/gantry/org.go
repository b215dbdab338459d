package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/gantry/internal/config"
	"github.com/seantiz/gantry/internal/model"
	"github.com/seantiz/gantry/internal/store"
)

func newOrgCmd(configFile *string) *cobra.Command {
	org := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations",
	}
	org.AddCommand(&cobra.Command{
		Use:   "create NAME",
		Short: "Register an organization and print its ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return fmt.Errorf("organization name is required")
			}

			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			db, err := store.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			o := &model.Org{ID: model.NewID(), Name: name, CreatedAt: time.Now().UTC()}
			if err := db.CreateOrg(cmd.Context(), o); err != nil {
				return fmt.Errorf("create organization: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), o.ID)
			return nil
		},
	})
	return org
}
