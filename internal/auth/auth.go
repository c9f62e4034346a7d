// Package auth provides minimal authentication helpers.
//
// It identifies the calling tenant; authorization decisions live in gate.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Identifier resolves an authentication token to a tenant id.
type Identifier interface {
	Identify(token string) (tenant string, err error)
}

// StaticToken accepts a single shared token for one tenant.
// It is intended only for development and proofs of concept.
type StaticToken struct {
	Token  string
	Tenant string
}

func (s StaticToken) Identify(token string) (string, error) {
	if s.Token == "" {
		return "", ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return "", ErrUnauthorized
	}
	return s.Tenant, nil
}

// TokenMap resolves tenants from a fixed token table.
type TokenMap map[string]string

func (m TokenMap) Identify(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	for candidate, tenant := range m {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return tenant, nil
		}
	}
	return "", ErrUnauthorized
}

// FuncIdentifier adapts a function into an Identifier.
type FuncIdentifier func(token string) (string, error)

func (f FuncIdentifier) Identify(token string) (string, error) {
	return f(token)
}
