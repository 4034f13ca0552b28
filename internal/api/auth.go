package api

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"terrarium/internal/sig"
)

// Actor tags an authorization outcome.
type Actor string

const (
	ActorVisitor Actor = "visitor"
	ActorWorker  Actor = "worker"
)

// Credential headers and their WebSocket-connect query fallbacks (browsers
// cannot set custom headers on WS upgrade requests).
const (
	headerAccessCode   = "x-access-code"
	headerServiceToken = "x-service-token"
	queryAccessCode    = "access_code"
	queryServiceToken  = "service_token"
)

var errDenied = errors.New("api: denied")

// Auth holds the two shared secrets and the optional request verifier, and
// exposes one predicate per actor class so every route authorizes the same
// way.
type Auth struct {
	accessCode   string
	serviceToken string
	verifier     *sig.Verifier
}

// NewAuth constructs the authorization predicates.
func NewAuth(accessCode, serviceToken string, verifier *sig.Verifier) *Auth {
	return &Auth{
		accessCode:   accessCode,
		serviceToken: serviceToken,
		verifier:     verifier,
	}
}

// Visitor authorizes a request presenting the shared access code.
func (a *Auth) Visitor(r *http.Request) error {
	got := credential(r, headerAccessCode, queryAccessCode)
	if a.accessCode == "" || !equal(got, a.accessCode) {
		return errDenied
	}
	return nil
}

// Worker authorizes a request presenting the service token, plus a valid
// signature when the HMAC layer is enabled. body is the raw request body the
// signature was computed over (nil for GET/WS requests).
func (a *Auth) Worker(r *http.Request, body []byte) error {
	got := credential(r, headerServiceToken, queryServiceToken)
	if a.serviceToken == "" || !equal(got, a.serviceToken) {
		return errDenied
	}

	if err := a.verifier.Verify(
		r.Method,
		r.URL.Path,
		r.Header.Get(sig.HeaderSignature),
		r.Header.Get(sig.HeaderTimestamp),
		r.Header.Get(sig.HeaderNonce),
		body,
	); err != nil {
		return err
	}
	return nil
}

// WorkerPresent reports whether the request carries a service token at all,
// used by routes shared between actor classes to pick the predicate.
func (a *Auth) WorkerPresent(r *http.Request) bool {
	return credential(r, headerServiceToken, queryServiceToken) != ""
}

func credential(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}

func equal(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
