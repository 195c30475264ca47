package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/secrets"
)

func newServiceAccountCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "service-account",
		Aliases: []string{"sa"},
		Short:   "Manage service-account keys",
	}

	cmd.AddCommand(
		newSAAddCmd(a),
		newSAListCmd(a),
		newSARemoveCmd(a),
		newSADefaultCmd(a),
	)

	return cmd
}

func newSAAddCmd(a *app) *cobra.Command {
	var makeDefault bool

	cmd := &cobra.Command{
		Use:   "add <email> <key.json>",
		Short: "Store a service-account JSON key",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			email := secrets.NormalizeEmail(args[0])

			raw, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("reading key file: %w", err)
			}

			key, err := secrets.ParseServiceAccountKey(raw)
			if err != nil {
				return err
			}

			if got := secrets.NormalizeEmail(key.ClientEmail); got != email {
				return apperrors.New(apperrors.KindInvalidServiceAccountKey,
					fmt.Sprintf("key belongs to %s, not %s", got, email),
					fmt.Sprintf("run `gwcli auth service-account add %s %s`", got, args[1]))
			}

			if err := a.store.SetServiceAccountKey(email, raw); err != nil {
				return err
			}

			if makeDefault {
				if err := a.store.SetDefaultServiceAccount(email); err != nil {
					return err
				}
			}

			a.printf("Stored key for %s\n", email)

			return nil
		},
	}

	cmd.Flags().BoolVar(&makeDefault, "default", false, "make this the default service account")

	return cmd
}

func newSAListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored service accounts",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			emails, err := a.store.ListServiceAccounts()
			if err != nil {
				return err
			}

			if len(emails) == 0 {
				a.printf("%s\n", text.FgYellow.Sprint("No service accounts stored."))
				return nil
			}

			def, err := a.store.GetDefaultServiceAccount()
			if err != nil {
				return err
			}

			t := newTable(a)
			t.AppendHeader(header("SERVICE ACCOUNT", "PROJECT", "DEFAULT"))

			for _, e := range emails {
				project := ""
				if key, err := a.store.GetServiceAccountKey(e); err == nil {
					project = key.ProjectID
				}

				t.AppendRow(table.Row{e, project, marker(e == def)})
			}

			t.Render()

			return nil
		},
	}
}

func newSARemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <email>",
		Aliases: []string{"rm"},
		Short:   "Delete a stored service-account key",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			email := secrets.NormalizeEmail(args[0])

			if err := requireServiceAccount(a, email); err != nil {
				return err
			}

			if err := a.store.DeleteServiceAccountKey(email); err != nil {
				return err
			}

			a.printf("Removed %s\n", email)

			return nil
		},
	}
}

func newSADefaultCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "default [email]",
		Short: "Show or set the default service account",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				def, err := a.store.GetDefaultServiceAccount()
				if err != nil {
					return err
				}

				a.printf("%s\n", orDash(def))

				return nil
			}

			email := secrets.NormalizeEmail(args[0])

			if err := requireServiceAccount(a, email); err != nil {
				return err
			}

			if err := a.store.SetDefaultServiceAccount(email); err != nil {
				return err
			}

			a.printf("Default service account is now %s\n", email)

			return nil
		},
	}
}

func requireServiceAccount(a *app, email string) error {
	_, err := a.store.GetServiceAccountKey(email)
	if errors.Is(err, secrets.ErrServiceAccountNotFound) {
		return apperrors.Wrap(apperrors.KindInvalidInput, err,
			fmt.Sprintf("no key stored for service account %s", email),
			fmt.Sprintf("run `gwcli auth service-account add %s <key.json>`", email))
	}

	return err
}
