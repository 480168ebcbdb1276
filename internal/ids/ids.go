package ids

import (
	"crypto/rand"
	"encoding/hex"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entity kinds used as id prefixes.
const (
	Parish   = "parish"
	User     = "user"
	Quiz     = "quiz"
	Response = "response"
	Invite   = "invite"
	Error    = "error"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier of the form "<kind>:<ulid>".
func New(kind string) string {
	return kind + ":" + newULID(time.Now())
}

// NewAt is New with an explicit timestamp, for callers running on an injected clock.
func NewAt(kind string, at time.Time) string {
	return kind + ":" + newULID(at)
}

func newULID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// Kind returns the prefix before the first colon, or "" for malformed ids.
func Kind(id string) string {
	kind, rest, ok := strings.Cut(id, ":")
	if !ok || rest == "" {
		return ""
	}
	return kind
}

// Has reports whether id carries the given kind prefix and a non-empty suffix.
func Has(id, kind string) bool {
	return Kind(id) == kind
}

// Token returns a 64 character hex string backed by 32 random bytes.
func Token() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
