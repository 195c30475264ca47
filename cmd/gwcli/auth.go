package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/alexjbarnes/gwcli/internal/auth"
	"github.com/alexjbarnes/gwcli/internal/config"
	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/keyring"
	"github.com/alexjbarnes/gwcli/internal/oauth"
	"github.com/alexjbarnes/gwcli/internal/secrets"
)

const defaultServices = "all"

func newAuthCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage accounts, OAuth clients and service accounts",
	}

	cmd.AddCommand(
		newAuthAddCmd(a),
		newAuthURLCmd(a),
		newAuthExchangeCmd(a),
		newAuthListCmd(a),
		newAuthRemoveCmd(a),
		newAuthDefaultCmd(a),
		newAuthCredentialsCmd(a),
		newAuthStatusCmd(a),
		newAuthWhoamiCmd(a),
		newServiceAccountCmd(a),
	)

	return cmd
}

// scopeFlags are shared by the commands that request authorization.
type scopeFlags struct {
	services     []string
	scopes       []string
	forceConsent bool
}

func (s *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&s.services, "services", []string{defaultServices},
		"services to authorize: "+strings.Join(auth.ServiceNames(), ", ")+", or all")
	cmd.Flags().StringSliceVar(&s.scopes, "scopes", nil, "extra OAuth scopes to request")
	cmd.Flags().BoolVar(&s.forceConsent, "force-consent", false, "always show the consent screen so a fresh refresh token is issued")
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}

	return ""
}

func newAuthAddCmd(a *app) *cobra.Command {
	var (
		sf      scopeFlags
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "add [email]",
		Short: "Authorize an account through the browser",
		Long: `Authorize an account by opening the provider's consent page and
catching the redirect on a loopback port.

The email is optional: when omitted, the account you pick in the browser
is stored. The account becomes the default for its client.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}

			if timeout <= 0 {
				timeout = a.cfg.AuthTimeout
			}

			res, err := a.login().Run(cmd.Context(), auth.LoginOptions{
				Client:       client,
				Email:        optionalArg(args, 0),
				Services:     sf.services,
				ExtraScopes:  sf.scopes,
				ForceConsent: sf.forceConsent,
				Timeout:      timeout,
				OnAuthURL: func(u string) {
					a.eprintf("Open this URL in your browser to authorize gwcli:\n\n  %s\n\nWaiting up to %s for the redirect...\n", u, timeout)
				},
			})
			if err != nil {
				return err
			}

			if err := a.rememberClient(res.Token.Email, client); err != nil {
				return err
			}

			a.printf("Authorized %s (client %s)\n", res.Token.Email, client)

			return nil
		},
	}

	sf.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the browser redirect (env GWCLI_AUTH_TIMEOUT)")

	return cmd
}

func newAuthURLCmd(a *app) *cobra.Command {
	var sf scopeFlags

	cmd := &cobra.Command{
		Use:   "url [email]",
		Short: "Print an authorization URL for a headless login",
		Long: `Print an authorization URL to open on any machine. After approving,
the browser is redirected to a loopback address that will fail to load;
copy that URL from the address bar and pass it to "gwcli auth exchange".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}

			scopes, err := auth.LoginOptions{Services: sf.services, ExtraScopes: sf.scopes}.Scopes()
			if err != nil {
				return err
			}

			res, err := a.engine().ManualAuthURL(cmd.Context(), oauth.URLOptions{
				Client:       client,
				Scopes:       scopes,
				ForceConsent: sf.forceConsent,
				LoginHint:    secrets.NormalizeEmail(optionalArg(args, 0)),
			})
			if err != nil {
				return err
			}

			next := []string{"gwcli", "auth", "exchange", "'<redirect-url>'"}
			if email := optionalArg(args, 0); email != "" {
				next = append(next, email)
			}

			next = append(next, "--state", res.State, "--client", client, "--services", strings.Join(sf.services, ","))

			a.printf("%s\n", res.URL)
			a.eprintf("\nAfter approving, run:\n\n  %s\n", strings.Join(next, " "))

			return nil
		},
	}

	sf.register(cmd)

	return cmd
}

func newAuthExchangeCmd(a *app) *cobra.Command {
	var (
		sf          scopeFlags
		state       string
		redirectURI string
	)

	cmd := &cobra.Command{
		Use:   "exchange <redirect-url|code> [email]",
		Short: "Finish a headless login with the redirect URL or code",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}

			opts := auth.LoginOptions{
				Client:        client,
				Email:         optionalArg(args, 1),
				Services:      sf.services,
				ExtraScopes:   sf.scopes,
				RedirectURI:   redirectURI,
				ExpectedState: state,
			}

			in := strings.TrimSpace(args[0])
			if strings.HasPrefix(in, "http://") || strings.HasPrefix(in, "https://") {
				opts.AuthURL = in
				opts.RequireState = true
			} else {
				opts.AuthCode = in
			}

			res, err := a.login().Run(cmd.Context(), opts)
			if err != nil {
				return err
			}

			if err := a.rememberClient(res.Token.Email, client); err != nil {
				return err
			}

			a.printf("Authorized %s (client %s)\n", res.Token.Email, client)

			return nil
		},
	}

	sf.register(cmd)
	cmd.Flags().StringVar(&state, "state", "", "state printed by `gwcli auth url`; the redirect must carry it")
	cmd.Flags().StringVar(&redirectURI, "redirect-uri", "", "redirect URI the code was issued for (bare codes only)")

	return cmd
}

func newTable(a *app) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(a.out)
	t.SetStyle(table.StyleRounded)

	return t
}

func header(cols ...string) table.Row {
	row := make(table.Row, len(cols))
	for i, c := range cols {
		row[i] = text.FgHiCyan.Sprint(c)
	}

	return row
}

func newAuthListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts and service accounts",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			tokens, err := a.store.ListTokens()
			if err != nil {
				return err
			}

			sas, err := a.store.ListServiceAccounts()
			if err != nil {
				return err
			}

			if len(tokens) == 0 && len(sas) == 0 {
				a.printf("%s\n", text.FgYellow.Sprint("No accounts stored. Run `gwcli auth add` to authorize one."))
				return nil
			}

			defaultSA, err := a.store.GetDefaultServiceAccount()
			if err != nil {
				return err
			}

			if len(tokens) > 0 {
				t := newTable(a)
				t.AppendHeader(header("ACCOUNT", "CLIENT", "SERVICES", "CREATED", "DEFAULT"))

				defaults := map[string]string{}

				for _, tok := range tokens {
					def, ok := defaults[tok.Client]
					if !ok {
						if def, err = a.store.GetDefaultAccount(tok.Client); err != nil {
							return err
						}

						defaults[tok.Client] = def
					}

					created := ""
					if !tok.CreatedAt.IsZero() {
						created = tok.CreatedAt.Local().Format(time.DateOnly)
					}

					t.AppendRow(table.Row{tok.Email, tok.Client, strings.Join(tok.Services, ","), created, marker(def == tok.Email)})
				}

				t.Render()
			}

			if len(sas) > 0 {
				t := newTable(a)
				t.AppendHeader(header("SERVICE ACCOUNT", "DEFAULT"))

				for _, sa := range sas {
					t.AppendRow(table.Row{sa, marker(sa == defaultSA)})
				}

				t.Render()
			}

			return nil
		},
	}
}

func marker(b bool) string {
	if b {
		return text.FgGreen.Sprint("*")
	}

	return ""
}

func newAuthRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <email>",
		Aliases: []string{"rm"},
		Short:   "Delete the stored token for an account",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}

			email := secrets.NormalizeEmail(args[0])

			if _, err := a.store.GetToken(client, email); err != nil {
				if errors.Is(err, secrets.ErrTokenNotFound) {
					return apperrors.Wrap(apperrors.KindInvalidInput, err,
						fmt.Sprintf("%s has no stored token for client %s", email, client),
						"run `gwcli auth list` to see stored accounts")
				}

				return err
			}

			if err := a.store.DeleteToken(client, email); err != nil {
				return err
			}

			a.printf("Removed %s (client %s)\n", email, client)

			return nil
		},
	}
}

func newAuthDefaultCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "default [email]",
		Short: "Show or set the default account for a client",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}

			if len(args) == 0 {
				def, err := a.store.GetDefaultAccount(client)
				if err != nil {
					return err
				}

				if def == "" {
					a.printf("No default account for client %s\n", client)
					return nil
				}

				a.printf("%s\n", def)

				return nil
			}

			email := secrets.NormalizeEmail(args[0])

			if _, err := a.store.GetToken(client, email); err != nil {
				if errors.Is(err, secrets.ErrTokenNotFound) {
					return apperrors.Wrap(apperrors.KindAuthRequired, err,
						fmt.Sprintf("%s has no stored token for client %s", email, client),
						fmt.Sprintf("run `gwcli auth add %s --client %s` first", email, client))
				}

				return err
			}

			if err := a.store.SetDefaultAccount(client, email); err != nil {
				return err
			}

			a.printf("Default account for client %s is now %s\n", client, email)

			return nil
		},
	}
}

func newAuthCredentialsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "credentials <client_secret.json>",
		Short: "Install an OAuth client credentials file",
		Long: `Install the OAuth client JSON downloaded from the cloud console
("Desktop app" client type). Use --client to keep several OAuth apps side
by side.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading credentials file: %w", err)
			}

			path, err := config.WriteClientCredentials(a.cfg.ConfigDir, client, raw)
			if err != nil {
				return err
			}

			a.printf("Saved credentials for client %s to %s\n", client, path)

			return nil
		},
	}
}

func newAuthStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show keyring, config and default account details",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}

			st, err := auth.CollectStatus(a.store, auth.StatusInput{
				Backend:       a.backendName,
				BackendSource: string(a.backendSource),
				StorePath:     keyringStorePath(a),
				ConfigDir:     a.cfg.ConfigDir,
				Client:        client,
			})
			if err != nil {
				return err
			}

			creds := "missing"
			if _, err := a.credentials().ClientCredentials(client); err == nil {
				creds = a.cfg.CredentialsPath(client)
			}

			t := newTable(a)
			t.AppendHeader(header("KEY", "VALUE"))
			t.AppendRows([]table.Row{
				{"config dir", st.ConfigDir},
				{"keyring backend", fmt.Sprintf("%s (from %s)", st.Backend, st.BackendSource)},
				{"keyring path", orDash(st.StorePath)},
				{"client", st.Client},
				{"client credentials", creds},
				{"default account", orDash(st.DefaultAccount)},
				{"default service account", orDash(st.DefaultServiceAccount)},
				{"accounts", st.Accounts},
				{"service accounts", st.ServiceAccounts},
			})
			t.Render()

			return nil
		},
	}
}

func keyringStorePath(a *app) string {
	return keyring.StorePath(a.backendName, a.cfg.KeyringDir())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func newAuthWhoamiCmd(a *app) *cobra.Command {
	var services []string

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show which identity API calls would use",
		Long: `Resolve the identity from flags, GWCLI_* variables and stored defaults
and report which credentials would be used. No network calls are made.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scopes, err := auth.ScopesFor(services)
			if err != nil {
				return err
			}

			plan, err := a.factory().Resolve(cmd.Context(), scopes)
			if err != nil {
				return err
			}

			switch plan.Kind {
			case auth.PlanServiceAccount:
				a.printf("service account %s\n", plan.Email)
				if plan.Subject != "" {
					a.printf("impersonating %s\n", plan.Subject)
				}
			default:
				a.printf("%s (client %s)\n", plan.Email, plan.Client)
			}

			return nil
		},
	}

	cmd.Flags().StringSliceVar(&services, "services", []string{"gmail"}, "services the call would need")

	return cmd
}
