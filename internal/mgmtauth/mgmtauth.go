// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package mgmtauth guards a node's management HTTP API with
// a single bearer token, bcrypt-hashed at rest so the plaintext token
// never needs to sit in a config file or process memory longer than
// start-up.
//
// The `Authorization: Bearer <token>` parsing uses a plain
// `strings.CutPrefix(authHeader, "Bearer ")`; hashing uses
// `golang.org/x/crypto/bcrypt`, applied here to a static token instead
// of a user password.
package mgmtauth

import (
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	aegiserrors "github.com/aegismesh/aegis/internal/errors"
)

// HashToken bcrypt-hashes a plaintext management token for storage in
// config.
func HashToken(token string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", aegiserrors.Wrapf(err, aegiserrors.KindSecret, "hash management token")
	}
	return string(hashed), nil
}

// Middleware enforces a single bearer token against a bcrypt hash.
type Middleware struct {
	tokenHash []byte
}

// New returns a Middleware validating requests against tokenHash (as
// produced by HashToken).
func New(tokenHash string) *Middleware {
	return &Middleware{tokenHash: []byte(tokenHash)}
}

// Wrap returns next guarded by bearer-token auth: a missing or invalid
// Authorization header yields 401 before next is ever invoked.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}

		if err := bcrypt.CompareHashAndPassword(m.tokenHash, []byte(token)); err != nil {
			writeUnauthorized(w, "invalid bearer token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
