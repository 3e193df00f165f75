package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgforge/internal/state"
)

// Authenticator resolves bearer credentials to identities.
type Authenticator struct {
	adminDigest [sha256.Size]byte
	adminSet    bool
	store       *state.CredentialStore
	clock       clockwork.Clock
}

// NewAuthenticator creates an Authenticator. An empty adminKey disables admin access.
func NewAuthenticator(adminKey string, store *state.CredentialStore, clock clockwork.Clock) *Authenticator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &Authenticator{store: store, clock: clock}
	if adminKey != "" {
		a.adminDigest = sha256.Sum256([]byte(adminKey))
		a.adminSet = true
	}
	return a
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// Authenticate resolves the request's bearer token.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	token, ok := BearerToken(r)
	if !ok {
		return Identity{}, errors.AuthError("missing bearer credential").Build()
	}
	return a.AuthenticateToken(token)
}

// AuthenticateToken resolves a raw bearer token. The admin secret is compared
// in constant time over fixed-length digests.
func (a *Authenticator) AuthenticateToken(token string) (Identity, error) {
	if a.adminSet {
		digest := sha256.Sum256([]byte(token))
		if subtle.ConstantTimeCompare(digest[:], a.adminDigest[:]) == 1 {
			return Admin(), nil
		}
	}
	if a.store != nil {
		if cred, ok := a.store.Lookup(token, a.clock.Now().UTC()); ok {
			return Principal(cred.Principal), nil
		}
	}
	return Identity{}, errors.AuthError("invalid credential").Build()
}
