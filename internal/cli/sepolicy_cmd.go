package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSepolicyCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sepolicy",
		Short: "Patch the live SELinux policy",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "patch STATEMENT...",
		Short: "Apply policy statements given on the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := e.policyEngine().ApplyText(strings.Join(args, " "))
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "applied %d statement(s)\n", n)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "apply FILE",
		Short: "Apply the policy statements in FILE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := e.policyEngine().ApplyFile(args[0])
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "applied %d statement(s)\n", n)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check STATEMENT...",
		Short: "Validate policy statements without applying them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.policyEngine().Check(strings.Join(args, " ")); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	})

	return cmd
}
