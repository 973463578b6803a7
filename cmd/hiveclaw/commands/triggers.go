package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/assistant"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/store"
)

// newTriggersCmd creates the `hiveclaw triggers` command.
func newTriggersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "triggers",
		Short: "List registered recurring triggers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Store, assistant.NewLogger(cfg.Logging))
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			triggers, err := st.Privileged().ListTriggers(context.Background())
			if err != nil {
				return fmt.Errorf("listing triggers: %w", err)
			}

			if len(triggers) == 0 {
				fmt.Println("No triggers registered.")
				return nil
			}
			for _, t := range triggers {
				fmt.Printf("%s  tenant=%s  entity=%s  schedule=%q  tz=%s\n",
					t.JobName, t.TenantID, t.OwningEntityID, t.ScheduleExpr, t.Timezone)
			}
			return nil
		},
	}
}
