package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newQuotaCmd(a *app) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show today's generation count for a user",
		Example: `  snapera quota --user cli
  snapera quota --user alice --config snapera.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, closer, err := a.newTracker(cmd.Context())
			if err != nil {
				return err
			}
			defer closer.Close()

			st, err := tracker.Status(cmd.Context(), "user:"+user)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(map[string]any{
				"user":     user,
				"day":      st.Day,
				"count":    st.Count,
				"limit":    st.Limit,
				"decision": st.Next.String(),
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "cli", "Quota owner")

	return cmd
}
