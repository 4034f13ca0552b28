// Package sig verifies HMAC-signed worker requests.
//
// This is a toggleable hardening layer, not a mandatory security boundary:
// when disabled, Verify always passes and the service token alone
// authenticates the worker.
package sig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Header names carried on signed worker requests.
const (
	HeaderSignature = "x-relay-signature"
	HeaderTimestamp = "x-relay-timestamp"
	HeaderNonce     = "x-relay-nonce"
)

var (
	ErrMissingSignature = errors.New("sig: missing signature")
	ErrBadTimestamp     = errors.New("sig: malformed timestamp")
	ErrStaleTimestamp   = errors.New("sig: timestamp outside allowed skew")
	ErrReplay           = errors.New("sig: nonce already seen")
	ErrBadSignature     = errors.New("sig: signature mismatch")
)

const (
	defaultSkew     = 5 * time.Minute
	nonceCacheSize  = 8192
	nonceDefaultTTL = 10 * time.Minute
)

// Verifier checks worker request signatures and rejects replays.
type Verifier struct {
	enabled bool
	secret  []byte
	skew    time.Duration
	clk     clock.Clock

	// Bounded, TTL-expiring replay cache keyed by nonce+timestamp.
	nonces *expirable.LRU[string, struct{}]
}

// New constructs a Verifier. With enabled=false, Verify is a no-op.
// The nonce TTL is twice the skew so an entry outlives the window in which
// its timestamp would still be accepted.
func New(clk clock.Clock, enabled bool, secret string, skew time.Duration) *Verifier {
	if clk == nil {
		clk = clock.New()
	}
	if skew <= 0 {
		skew = defaultSkew
	}
	ttl := 2 * skew
	if ttl < nonceDefaultTTL {
		ttl = nonceDefaultTTL
	}
	return &Verifier{
		enabled: enabled,
		secret:  []byte(secret),
		skew:    skew,
		clk:     clk,
		nonces:  expirable.NewLRU[string, struct{}](nonceCacheSize, nil, ttl),
	}
}

// Enabled reports whether signature checks are active.
func (v *Verifier) Enabled() bool { return v.enabled }

// Verify authenticates one request. The signature covers
// "method\npath\ntimestamp\nbody" with HMAC-SHA256, hex-encoded, and is
// compared in constant time. The timestamp is unix seconds.
func (v *Verifier) Verify(method, path, signature, timestamp, nonce string, body []byte) error {
	if !v.enabled {
		return nil
	}
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}
	now := v.clk.Now()
	delta := now.Sub(time.Unix(unix, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > v.skew {
		return ErrStaleTimestamp
	}

	want := Compute(v.secret, method, path, timestamp, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}

	// The nonce is recorded only for authenticated requests; a forged
	// request must not be able to burn a nonce the real worker still needs.
	if nonce != "" {
		key := nonce + "|" + timestamp
		if _, seen := v.nonces.Get(key); seen {
			return ErrReplay
		}
		v.nonces.Add(key, struct{}{})
	}
	return nil
}

// Compute returns the hex HMAC-SHA256 signature for a request.
// Exposed so tests and the worker-side client build identical strings.
func Compute(secret []byte, method, path, timestamp string, body []byte) string {
	m := hmac.New(sha256.New, secret)
	fmt.Fprintf(m, "%s\n%s\n%s\n", method, path, timestamp)
	_, _ = m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}
