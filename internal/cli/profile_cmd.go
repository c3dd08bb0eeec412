package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kernelsu/ksud/internal/profile"
)

// withProfiles opens the profile store for the duration of fn.
func (e *env) withProfiles(fn func(*profile.Service) error) error {
	svc, store, err := e.profiles()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(svc)
}

func newProfileCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage per-app SELinux profiles and templates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get-sepolicy PACKAGE",
		Short: "Show the effective domain and policy of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withProfiles(func(s *profile.Service) error {
				r, err := s.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, r)
			})
		},
	})

	var domain, template string
	set := &cobra.Command{
		Use:   "set-sepolicy PACKAGE [POLICY]",
		Short: "Store a package profile and apply it to the live policy",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := profile.Profile{Package: args[0], Domain: domain, Template: template}
			if len(args) == 2 {
				p.Policy = args[1]
			}
			return e.withProfiles(func(s *profile.Service) error {
				n, err := s.SetSepolicy(cmd.Context(), e.getuid(), p)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "applied %d statement(s)\n", n)
				return err
			})
		},
	}
	set.Flags().StringVar(&domain, "domain", "", "SELinux domain the package's root process runs in")
	set.Flags().StringVar(&template, "template", "", "use the policy of a stored template")
	cmd.AddCommand(set)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete PACKAGE",
		Short: "Delete a package profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withProfiles(func(s *profile.Service) error {
				return s.DeleteProfile(cmd.Context(), e.getuid(), args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored profiles as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withProfiles(func(s *profile.Service) error {
				ps, err := s.ListProfiles(cmd.Context())
				if err != nil {
					return err
				}
				if ps == nil {
					ps = []profile.Profile{}
				}
				return printJSON(cmd, ps)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get-template ID",
		Short: "Print a template's policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withProfiles(func(s *profile.Service) error {
				t, err := s.GetTemplate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), t.Policy)
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-template ID POLICY",
		Short: "Store a policy template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withProfiles(func(s *profile.Service) error {
				return s.SetTemplate(cmd.Context(), e.getuid(), args[0], args[1])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete-template ID",
		Short: "Delete a policy template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withProfiles(func(s *profile.Service) error {
				return s.DeleteTemplate(cmd.Context(), e.getuid(), args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list-templates",
		Short: "List template ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withProfiles(func(s *profile.Service) error {
				ts, err := s.ListTemplates(cmd.Context())
				if err != nil {
					return err
				}
				for _, t := range ts {
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), t.ID); err != nil {
						return err
					}
				}
				return nil
			})
		},
	})

	return cmd
}
