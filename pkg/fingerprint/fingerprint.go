// Package fingerprint derives exact-match cache keys from user queries.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
)

// Prefix namespaces fingerprints in shared key-value stores.
const Prefix = "tiercache:exact:"

// Context discriminates otherwise identical queries. Empty fields are
// ignored, so a global-scope cache passes the zero value.
type Context struct {
	ArticleID string
	SessionID string
}

// Normalize applies Unicode case folding, collapses whitespace runs to a
// single space and trims both ends.
func Normalize(q string) string {
	// Caser values carry state and are not safe for concurrent use.
	folded := cases.Fold().String(q)
	return strings.Join(strings.Fields(folded), " ")
}

// Of returns the hex SHA-256 fingerprint of the normalized query within c.
func Of(query string, c Context) string {
	h := sha256.New()
	h.Write([]byte(c.ArticleID))
	h.Write([]byte{0})
	h.Write([]byte(c.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(query)))
	return hex.EncodeToString(h.Sum(nil))
}

// Key returns the namespaced store key for a fingerprint.
func Key(fp string) string {
	return Prefix + fp
}
