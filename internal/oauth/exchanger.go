package oauth

//go:generate go run go.uber.org/mock/mockgen -source=exchanger.go -destination=mock_exchanger.go -package=oauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ExchangeRequest carries everything needed to redeem an authorization code.
type ExchangeRequest struct {
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	Scopes       []string
}

// ExchangeResult is what the token endpoint returned. Email and Scopes are
// filled when the response carried an id_token and a scope field.
type ExchangeResult struct {
	RefreshToken string
	Email        string
	Scopes       []string
}

// Exchanger redeems an authorization code at the provider's token endpoint.
type Exchanger interface {
	Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResult, error)
}

// ExchangerFunc adapts a function to Exchanger.
type ExchangerFunc func(ctx context.Context, req ExchangeRequest) (ExchangeResult, error)

func (f ExchangerFunc) Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResult, error) {
	return f(ctx, req)
}

// OAuth2Exchanger is the default Exchanger, backed by golang.org/x/oauth2.
type OAuth2Exchanger struct {
	// HTTPClient overrides the client used for the token request.
	HTTPClient *http.Client
}

func (x OAuth2Exchanger) Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResult, error) {
	cfg := &oauth2.Config{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Endpoint:     req.Endpoint,
		RedirectURL:  req.RedirectURI,
		Scopes:       req.Scopes,
	}

	if x.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, x.HTTPClient)
	}

	tok, err := cfg.Exchange(ctx, req.Code)
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("exchanging authorization code: %w", err)
	}

	res := ExchangeResult{RefreshToken: tok.RefreshToken}

	if s, ok := tok.Extra("scope").(string); ok {
		res.Scopes = strings.Fields(s)
	}

	if idt, ok := tok.Extra("id_token").(string); ok && idt != "" {
		res.Email = emailFromIDToken(idt)
	}

	return res, nil
}

// emailFromIDToken reads the email claim without verifying the signature.
// The token came straight from the token endpoint over TLS, and the value
// is only used to name the account locally.
func emailFromIDToken(raw string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}

	email, _ := claims["email"].(string)

	return strings.ToLower(strings.TrimSpace(email))
}
