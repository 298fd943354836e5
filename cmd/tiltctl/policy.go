package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/tiltguard/internal/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect policy files",
	}

	var file, profile string
	show := &cobra.Command{
		Use:   "show",
		Short: "Validate a profile and print it with defaults filled in",
		RunE: func(cmd *cobra.Command, args []string) error {
			pol := policy.Default()
			if file != "" {
				var err error
				if pol, err = policy.Load(file, profile); err != nil {
					return err
				}
			}
			out, err := yaml.Marshal(pol)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# profile: %s\n%s", pol.Name, out)
			return nil
		},
	}
	show.Flags().StringVar(&file, "file", "", "Path to policy YAML (default: built-in moderate)")
	show.Flags().StringVar(&profile, "profile", policy.DefaultProfile, "Profile name")

	cmd.AddCommand(show)
	return cmd
}
