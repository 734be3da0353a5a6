package session

import (
	"crypto/sha256"
	"fmt"
)

// Redacted returns a copy of the config with credentials masked, for logs.
func (c Config) Redacted() Config {
	if c.PlayerToken != "" {
		c.PlayerToken = "sha256:" + shortHash(c.PlayerToken)
	}
	if len(c.PlayerID) > 4 {
		c.PlayerID = "…" + c.PlayerID[len(c.PlayerID)-4:]
	}
	return c
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
