package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/assistant"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/store"
)

// newTenantCmd creates the `hiveclaw tenant` command group.
func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(newTenantCreateCmd())
	return cmd
}

func newTenantCreateCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "create <display-name>",
		Short: "Create a tenant with its owner membership",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Store, assistant.NewLogger(cfg.Logging))
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			id, err := st.Privileged().BootstrapTenant(context.Background(), args[0], owner)
			if err != nil {
				return fmt.Errorf("creating tenant: %w", err)
			}

			fmt.Printf("Tenant created.\n  id:    %s\n  name:  %s\n  owner: %s\n", id, args[0], owner)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "principal id of the tenant owner")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
