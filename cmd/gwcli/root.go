package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "gwcli",
		Short: "Command-line access to Google Workspace",
		Long: `gwcli talks to Google Workspace APIs on behalf of one or more accounts.

Accounts are authorized once with "gwcli auth add" and their refresh tokens
are kept in an encrypted local keyring. Service accounts with domain-wide
delegation are supported through "gwcli auth service-account".`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}

	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.SetVersionTemplate(`{{printf "gwcli version %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.Account, "account", "", "account email to act as (env GWCLI_ACCOUNT)")
	pf.StringVar(&a.flags.Client, "client", "", "named OAuth client (env GWCLI_CLIENT)")
	pf.StringVar(&a.flags.ServiceAccount, "service-account", "", "service account email to act as (env GWCLI_SERVICE_ACCOUNT)")
	pf.StringVar(&a.flags.Impersonate, "impersonate", "", "user a service account impersonates (env GWCLI_IMPERSONATE)")

	root.AddCommand(newAuthCmd(a))

	return root
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) eprintf(format string, args ...any) {
	fmt.Fprintf(a.errOut, format, args...)
}
