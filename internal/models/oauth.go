// Package models defines types shared across internal packages.
package models

import "time"

// DefaultClient is the OAuth client name used when none is configured.
const DefaultClient = "default"

// ServiceAccountType is the only accepted value of a key file's "type" field.
const ServiceAccountType = "service_account"

// Token is one stored user credential: a long-lived refresh token issued to
// Email through the OAuth client named Client.
type Token struct {
	Client       string    `json:"client"`
	Email        string    `json:"email"`
	Services     []string  `json:"services,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	RefreshToken string    `json:"-"`
}

// ClientCredentials identifies an OAuth application.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	AuthURI      string
	TokenURI     string
}

// ServiceAccountKey is the parsed form of a downloaded service account
// JSON key. Raw keeps the original bytes for JWT config construction.
type ServiceAccountKey struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id,omitempty"`
	PrivateKeyID string `json:"private_key_id,omitempty"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri,omitempty"`

	Raw []byte `json:"-"`
}
