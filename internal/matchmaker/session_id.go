package matchmaker

import (
	"strings"

	"github.com/google/uuid"
)

// NewSessionID derives a session id from the two identities in sorted order
// plus a fresh token, so two sessions between the same pair never collide.
func NewSessionID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return a + "_" + b + "_" + token[:16]
}
