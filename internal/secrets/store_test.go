package secrets

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/keyring"
	"github.com/alexjbarnes/gwcli/internal/logging"
	"github.com/alexjbarnes/gwcli/internal/models"
)

func testStore(t *testing.T) (*Store, *keyring.Memory) {
	t.Helper()
	mem := keyring.NewMemory()
	return NewStore(mem, logging.Discard()), mem
}

// failingBackend errors on every call.
type failingBackend struct{ err error }

func (f failingBackend) Get(string) (string, bool, error) { return "", false, f.err }
func (f failingBackend) Set(string, string) error         { return f.err }
func (f failingBackend) Delete(string) error              { return f.err }
func (f failingBackend) Keys() ([]string, error)          { return nil, f.err }

// --- SetToken / GetToken ---

func TestSetGetToken_RoundTrip(t *testing.T) {
	s, _ := testStore(t)
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.SetToken("Team", "  Alice@Example.COM ", models.Token{
		RefreshToken: "rt-1",
		Services:     []string{"gmail", "drive"},
		Scopes:       []string{"s1", "s2"},
		CreatedAt:    created,
	})
	require.NoError(t, err)

	tok, err := s.GetToken("team", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "team", tok.Client)
	assert.Equal(t, "alice@example.com", tok.Email)
	assert.Equal(t, "rt-1", tok.RefreshToken)
	assert.Equal(t, []string{"gmail", "drive"}, tok.Services)
	assert.Equal(t, []string{"s1", "s2"}, tok.Scopes)
	assert.True(t, created.Equal(tok.CreatedAt))
}

func TestSetToken_StoredJSONShape(t *testing.T) {
	s, mem := testStore(t)
	require.NoError(t, s.SetToken("team", "a@x.com", models.Token{RefreshToken: "rt"}))

	raw, ok, err := mem.Get("token:team:a@x.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"refresh_token":"rt"}`, raw)
}

func TestSetToken_Overwrites(t *testing.T) {
	s, _ := testStore(t)
	require.NoError(t, s.SetToken("", "a@x.com", models.Token{RefreshToken: "old"}))
	require.NoError(t, s.SetToken("", "a@x.com", models.Token{RefreshToken: "new"}))

	tok, err := s.GetToken("", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "new", tok.RefreshToken)
}

func TestSetToken_DefaultClientWritesLegacyAlias(t *testing.T) {
	s, mem := testStore(t)
	require.NoError(t, s.SetToken("default", "a@x.com", models.Token{RefreshToken: "rt"}))

	keys, err := mem.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"token:a@x.com", "token:default:a@x.com"}, keys)
}

func TestSetToken_NonDefaultClientHasNoAlias(t *testing.T) {
	s, mem := testStore(t)
	require.NoError(t, s.SetToken("team", "a@x.com", models.Token{RefreshToken: "rt"}))

	keys, err := mem.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"token:team:a@x.com"}, keys)
}

func TestSetToken_Validation(t *testing.T) {
	s, _ := testStore(t)

	tests := []struct {
		name   string
		client string
		email  string
		tok    models.Token
	}{
		{"empty email", "", "  ", models.Token{RefreshToken: "rt"}},
		{"colon in email", "", "a:b@x.com", models.Token{RefreshToken: "rt"}},
		{"empty refresh token", "", "a@x.com", models.Token{}},
		{"bad client name", "team one", "a@x.com", models.Token{RefreshToken: "rt"}},
		{"client with colon", "a:b", "a@x.com", models.Token{RefreshToken: "rt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.SetToken(tt.client, tt.email, tt.tok)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

func TestGetToken_NotFound(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.GetToken("team", "nobody@x.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	assert.Contains(t, err.Error(), "nobody@x.com")
	assert.Contains(t, err.Error(), "team")
}

func TestGetToken_BackendErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	s := NewStore(failingBackend{err: boom}, logging.Discard())

	_, err := s.GetToken("", "a@x.com")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTokenNotFound)
}

// --- Legacy migration ---

func TestGetToken_LegacyMigratesForward(t *testing.T) {
	s, mem := testStore(t)
	require.NoError(t, mem.Set("token:a@x.com", `{"refresh_token":"legacy-rt","scopes":["s1"]}`))

	tok, err := s.GetToken("default", "A@x.com")
	require.NoError(t, err)
	assert.Equal(t, "legacy-rt", tok.RefreshToken)
	assert.Equal(t, "default", tok.Client)
	assert.Equal(t, []string{"s1"}, tok.Scopes)

	migrated, ok, err := mem.Get("token:default:a@x.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"refresh_token":"legacy-rt","scopes":["s1"]}`, migrated)

	_, ok, err = mem.Get("token:a@x.com")
	require.NoError(t, err)
	assert.True(t, ok, "legacy alias is kept")
}

func TestGetToken_LegacyIgnoredForOtherClients(t *testing.T) {
	s, mem := testStore(t)
	require.NoError(t, mem.Set("token:a@x.com", `{"refresh_token":"legacy-rt"}`))

	_, err := s.GetToken("team", "a@x.com")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

// --- DeleteToken ---

func TestDeleteToken_RemovesLegacyAlias(t *testing.T) {
	s, mem := testStore(t)
	require.NoError(t, s.SetToken("", "a@x.com", models.Token{RefreshToken: "rt"}))
	require.NoError(t, s.DeleteToken("", "a@x.com"))

	_, err := s.GetToken("", "a@x.com")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	keys, err := mem.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDeleteToken_OtherClientUntouched(t *testing.T) {
	s, _ := testStore(t)
	require.NoError(t, s.SetToken("", "a@x.com", models.Token{RefreshToken: "rt-default"}))
	require.NoError(t, s.SetToken("team", "a@x.com", models.Token{RefreshToken: "rt-team"}))

	require.NoError(t, s.DeleteToken("team", "a@x.com"))

	tok, err := s.GetToken("", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "rt-default", tok.RefreshToken)
}

func TestDeleteToken_Missing(t *testing.T) {
	s, _ := testStore(t)
	assert.NoError(t, s.DeleteToken("team", "a@x.com"))
}

// --- ListTokens ---

func TestListTokens(t *testing.T) {
	s, mem := testStore(t)
	require.NoError(t, s.SetToken("", "b@x.com", models.Token{RefreshToken: "rt-b"}))
	require.NoError(t, s.SetToken("team", "a@x.com", models.Token{RefreshToken: "rt-ta"}))
	require.NoError(t, mem.Set("token:c@x.com", `{"refresh_token":"rt-c"}`))
	require.NoError(t, mem.Set("token:a:b:c", `{"refresh_token":"junk"}`))
	require.NoError(t, mem.Set("token::x@x.com", `{"refresh_token":"junk"}`))
	require.NoError(t, mem.Set("default_account", "b@x.com"))

	tokens, err := s.ListTokens()
	require.NoError(t, err)
	require.Len(t, tokens, 3)

	assert.Equal(t, "default", tokens[0].Client)
	assert.Equal(t, "b@x.com", tokens[0].Email)
	assert.Equal(t, "default", tokens[1].Client)
	assert.Equal(t, "c@x.com", tokens[1].Email)
	assert.Equal(t, "rt-c", tokens[1].RefreshToken)
	assert.Equal(t, "team", tokens[2].Client)
	assert.Equal(t, "a@x.com", tokens[2].Email)
}

func TestListTokens_SkipsCorruptEntries(t *testing.T) {
	s, mem := testStore(t)
	require.NoError(t, s.SetToken("team", "a@x.com", models.Token{RefreshToken: "rt"}))
	require.NoError(t, mem.Set("token:team:bad@x.com", "not json"))

	tokens, err := s.ListTokens()
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "a@x.com", tokens[0].Email)
}

func TestParseTokenKey(t *testing.T) {
	tests := []struct {
		key    string
		client string
		email  string
		ok     bool
	}{
		{"token:team:a@x.com", "team", "a@x.com", true},
		{"token:a@x.com", "default", "a@x.com", true},
		{"token:a:b:c", "", "", false},
		{"token:", "", "", false},
		{"token::a@x.com", "", "", false},
		{"token:team:", "", "", false},
		{"default_account", "", "", false},
		{"sa_key:a@x.com", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			client, email, ok := parseTokenKey(tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.client, client)
			assert.Equal(t, tt.email, email)
		})
	}
}

// --- Default account ---

func TestDefaultAccount_Precedence(t *testing.T) {
	s, mem := testStore(t)

	got, err := s.GetDefaultAccount("teamClient")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	require.NoError(t, mem.Set("default_account", "global@x.com"))
	got, err = s.GetDefaultAccount("teamClient")
	require.NoError(t, err)
	assert.Equal(t, "global@x.com", got)

	require.NoError(t, mem.Set("default_account:teamclient", "team@x.com"))
	got, err = s.GetDefaultAccount("teamClient")
	require.NoError(t, err)
	assert.Equal(t, "team@x.com", got)
}

func TestSetDefaultAccount_WritesBoth(t *testing.T) {
	s, mem := testStore(t)
	require.NoError(t, s.SetDefaultAccount("team", "A@x.com"))

	v, _, err := mem.Get("default_account:team")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", v)

	v, _, err = mem.Get("default_account")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", v)

	got, err := s.GetDefaultAccount("other")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got)
}

// --- Client names ---

func TestNormalizeClient(t *testing.T) {
	c, err := NormalizeClient("")
	require.NoError(t, err)
	assert.Equal(t, "default", c)

	c, err = NormalizeClient("  Work.Team_1 ")
	require.NoError(t, err)
	assert.Equal(t, "work.team_1", c)

	for _, bad := range []string{"-lead", "a b", "a/b", "../x"} {
		_, err := NormalizeClient(bad)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, bad)
	}
}
