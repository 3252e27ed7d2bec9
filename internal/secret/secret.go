// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package secret loads the node's SYN-cookie secret once at startup and
// keeps it out of logs. It is deliberately tiny: the secret never
// changes shape (32 random bytes), so there is no case for a general
// secrets-manager dependency here — loading is either "read from a file
// path named in config" or "generate a fresh one and persist it".
package secret

import (
	"crypto/rand"
	"fmt"
	"os"

	aegiserrors "github.com/aegismesh/aegis/internal/errors"
	"github.com/aegismesh/aegis/internal/syncookie"
)

// Load reads a 32-byte secret from path. If the file does not exist and
// generateIfMissing is true, a fresh random secret is generated and
// written to path with 0600 permissions.
func Load(path string, generateIfMissing bool) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != syncookie.SecretSize {
			return nil, aegiserrors.Errorf(aegiserrors.KindSecret, "secret file %s has length %d, want %d", path, len(data), syncookie.SecretSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) || !generateIfMissing {
		return nil, aegiserrors.Wrapf(err, aegiserrors.KindSecret, "read secret file %s", path)
	}

	fresh := make([]byte, syncookie.SecretSize)
	if _, err := rand.Read(fresh); err != nil {
		return nil, aegiserrors.Wrap(err, aegiserrors.KindSecret, "generate secret")
	}
	if err := os.WriteFile(path, fresh, 0o600); err != nil {
		return nil, aegiserrors.Wrapf(err, aegiserrors.KindSecret, "persist secret file %s", path)
	}
	return fresh, nil
}

// Zero overwrites secret in place. Callers should defer this on shutdown
// for any secret read into a long-lived buffer.
func Zero(secret []byte) {
	for i := range secret {
		secret[i] = 0
	}
}

// Redacted returns a short, non-reversible fingerprint suitable for log
// lines that need to distinguish secrets without revealing them.
func Redacted(secret []byte) string {
	if len(secret) < 4 {
		return "****"
	}
	return fmt.Sprintf("%02x%02x...", secret[0], secret[1])
}
