package auth

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
)

// IdentityScopes are requested on every login so the token response
// carries an id_token naming the account.
var IdentityScopes = []string{"openid", "email"}

const allServices = "all"

var serviceScopes = map[string][]string{
	"gmail":     {"https://mail.google.com/"},
	"calendar":  {"https://www.googleapis.com/auth/calendar"},
	"drive":     {"https://www.googleapis.com/auth/drive"},
	"docs":      {"https://www.googleapis.com/auth/documents"},
	"sheets":    {"https://www.googleapis.com/auth/spreadsheets"},
	"contacts":  {"https://www.googleapis.com/auth/contacts"},
	"tasks":     {"https://www.googleapis.com/auth/tasks"},
	"people":    {"https://www.googleapis.com/auth/userinfo.profile", "https://www.googleapis.com/auth/directory.readonly"},
	"chat":      {"https://www.googleapis.com/auth/chat.messages", "https://www.googleapis.com/auth/chat.spaces"},
	"forms":     {"https://www.googleapis.com/auth/forms.body", "https://www.googleapis.com/auth/forms.responses.readonly"},
	"keep":      {"https://www.googleapis.com/auth/keep"},
	"classroom": {"https://www.googleapis.com/auth/classroom.courses", "https://www.googleapis.com/auth/classroom.rosters"},
}

// ServiceNames lists the known services, sorted.
func ServiceNames() []string {
	names := make([]string, 0, len(serviceScopes))
	for name := range serviceScopes {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ScopesFor expands service names (or "all") into OAuth scopes, in order
// and without duplicates.
func ScopesFor(services []string) ([]string, error) {
	var names []string

	for _, s := range services {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}

		if s == allServices {
			names = append(names, ServiceNames()...)
			continue
		}

		if _, ok := serviceScopes[s]; !ok {
			return nil, apperrors.New(apperrors.KindInvalidInput,
				fmt.Sprintf("unknown service %q", s),
				"valid services: "+strings.Join(ServiceNames(), ", ")+", or all")
		}

		names = append(names, s)
	}

	var scopes []string
	for _, n := range names {
		scopes = append(scopes, serviceScopes[n]...)
	}

	return dedupe(scopes), nil
}

// NormalizeServices lowercases, expands "all" and de-duplicates.
func NormalizeServices(services []string) []string {
	var out []string

	for _, s := range services {
		s = strings.ToLower(strings.TrimSpace(s))

		switch {
		case s == "":
		case s == allServices:
			out = append(out, ServiceNames()...)
		default:
			out = append(out, s)
		}
	}

	return dedupe(out)
}

func dedupe(vals []string) []string {
	seen := make(map[string]bool, len(vals))

	var out []string

	for _, v := range vals {
		if v == "" || seen[v] {
			continue
		}

		seen[v] = true
		out = append(out, v)
	}

	return out
}
