package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alexmorozenko/leapp/internal/session"
)

type ssoCmdFlags struct {
	portalUrl string
	region    string
}

type ssoCmd struct {
	flags *ssoCmdFlags
	cmd   *cobra.Command
}

func newSsoCmd(r *Root) {
	flags := &ssoCmdFlags{}
	sc := &ssoCmd{
		flags: flags,
		cmd: &cobra.Command{
			Use:   "sso",
			Short: "Manage the AWS IAM Identity Center portal and its role sessions",
		},
	}

	configure := &cobra.Command{
		Use:   "configure",
		Short: "Set the portal url and region used for device logins",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.App()
			if err != nil {
				return err
			}
			return a.repo.SetSsoConfiguration(session.SsoConfiguration{
				PortalUrl: flags.portalUrl,
				Region:    flags.region,
			})
		},
	}
	configure.Flags().StringVarP(&flags.portalUrl, "portal-url", "", "", "Identity Center start url")
	configure.Flags().StringVarP(&flags.region, "region", "", "", "Region the Identity Center instance lives in")
	_ = configure.MarkFlagRequired("portal-url")
	_ = configure.MarkFlagRequired("region")

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Log in if needed and mirror the portal's accounts and roles as sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.App()
			if err != nil {
				return err
			}
			defer a.browser.Close()

			synced, err := a.factory.SsoService().Sync(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tREGION")
			for _, s := range synced {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Id, s.Name, s.Region)
			}
			return w.Flush()
		},
	}

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Revoke the portal token and remove every session derived from it",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.App()
			if err != nil {
				return err
			}
			return a.factory.SsoService().Logout(cmd.Context())
		},
	}

	sc.cmd.AddCommand(configure, sync, logout)
	r.Cmd.AddCommand(sc.cmd)
}
