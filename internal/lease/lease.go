// Package lease mints and verifies the signed, self-expiring session-label
// strings installed on every database connection. A lease asserts "this
// session belongs to service X, instance Y, and is valid until T" and is the
// compatibility surface every instance of a service relies on to recognize
// its own (and its peers') sessions at the database.
package lease

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxLabelBytes is the database session-label truncation limit.
const MaxLabelBytes = 63

// sigLen is the fixed length of the url-safe-base64-without-padding HMAC
// prefix: 8 raw bytes -> ceil(8*8/6) = 11 base64 characters.
const sigLen = 11

// MinSecretBytes is the minimum acceptable coordination secret length.
const MinSecretBytes = 16

var ErrShortSecret = fmt.Errorf("lease: coordination secret must be at least %d bytes", MinSecretBytes)

// labelPattern anchors the full session-label grammar: s=<svc>;i=<inst>;e=<ms>;g=<sig>
var labelPattern = regexp.MustCompile(`^s=([^;]+);i=([^;]+);e=([^;]+);g=([^;]+)$`)

// Lease is the parsed, verified form of a session label.
type Lease struct {
	Service   string
	Instance  string
	ExpiresAt time.Time
	raw       string
}

// IsExpired reports whether the lease had already expired at the given instant.
func (l *Lease) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Raw returns the exact serialized label string this Lease was parsed from,
// avoiding a second, possibly-drifting serialization.
func (l *Lease) Raw() string {
	return l.raw
}

// Manager mints and verifies leases under a shared coordination secret.
type Manager struct {
	secret []byte
}

// NewManager constructs a Manager. The secret must be at least
// MinSecretBytes long; shorter or empty secrets are a configuration error,
// not a runtime one, and are rejected here rather than deferred to the
// first Mint/ParseAndVerify call.
func NewManager(secret []byte) (*Manager, error) {
	if len(secret) < MinSecretBytes {
		return nil, ErrShortSecret
	}
	// Copy defensively: callers must not be able to mutate the secret out
	// from under a live Manager.
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return &Manager{secret: cp}, nil
}

// Mint constructs a signed label for (svc, inst) expiring at expiresAt.
// svc and inst are sanitized and, if necessary, disambiguated per the
// service-name normalization rules in Normalize. The 63-byte invariant is
// asserted, not silently enforced: a violation is a programming bug in the
// caller (an instance id too long to fit even after normalization) and
// panics rather than producing a truncated, ambiguous label.
func (m *Manager) Mint(svc, inst string, expiresAt time.Time) (string, error) {
	sanitizedInst := sanitizeDisambiguate(inst, maxInstanceLen)
	sanitizedSvc := Normalize(svc, sanitizedInst)

	base := fmt.Sprintf("s=%s;i=%s;e=%d", sanitizedSvc, sanitizedInst, expiresAt.UnixMilli())
	sig := sign(m.secret, base)
	label := base + ";g=" + sig

	if len(label) > MaxLabelBytes {
		panic(fmt.Sprintf("lease: invariant violated: minted label %q is %d bytes, exceeds %d-byte budget", label, len(label), MaxLabelBytes))
	}

	return label, nil
}

// ParseAndVerify parses label, verifies its signature in constant time, and
// returns the decoded Lease. It returns (nil, false) on any structural
// mismatch, bad signature, or non-finite expiry — never an error, since a
// malformed or foreign-signed label (e.g. a neighbor service sharing the
// session-label prefix filter but signed under a different secret) is an
// expected, non-exceptional input to the Reaper's scan loop.
func (m *Manager) ParseAndVerify(label string) (*Lease, bool) {
	match := labelPattern.FindStringSubmatch(label)
	if match == nil {
		return nil, false
	}
	svc, inst, expStr, gotSig := match[1], match[2], match[3], match[4]

	expMs, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return nil, false
	}

	base := label[:len(label)-len(";g="+gotSig)]
	wantSig := sign(m.secret, base)

	if !constantTimeEqual(wantSig, gotSig) {
		return nil, false
	}

	return &Lease{
		Service:   svc,
		Instance:  inst,
		ExpiresAt: time.UnixMilli(expMs),
		raw:       label,
	}, true
}

// sign computes the first 8 bytes of HMAC-SHA256(secret, base), encoded
// url-safe without padding (always 11 characters).
func sign(secret []byte, base string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(base))
	full := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(full[:8])
}

// constantTimeEqual compares two signatures without leaking timing
// information about where they first differ.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return hmac.Equal([]byte(a), []byte(b))
}

// sanitizeAllowed reports whether r is one of [A-Za-z0-9:_-].
func sanitizeAllowed(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == ':' || r == '_' || r == '-':
		return true
	default:
		return false
	}
}

// sanitize replaces every character outside [A-Za-z0-9:_-] with '_'.
func sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if sanitizeAllowed(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
