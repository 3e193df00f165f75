package identity

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgforge/internal/logfields"
	"git.home.luguber.info/inful/pkgforge/internal/state"
)

// tokenPrefix marks issued credentials so they are recognizable in logs and secret scanners.
const tokenPrefix = "pkf_"

// Exchanger trades a signed assertion for the principal's durable credential.
type Exchanger struct {
	store     *state.CredentialStore
	clock     clockwork.Clock
	skew      time.Duration
	publicURL string
}

// NewExchanger creates an Exchanger. publicURL is the externally visible
// scheme://host[:port] the assertion URL is compared against.
func NewExchanger(store *state.CredentialStore, clock clockwork.Clock, skew time.Duration, publicURL string) *Exchanger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if skew <= 0 {
		skew = 60 * time.Second
	}
	return &Exchanger{
		store:     store,
		clock:     clock,
		skew:      skew,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// ExpectedURL is the URL an assertion for requestURI must carry.
func (e *Exchanger) ExpectedURL(requestURI string) string {
	return e.publicURL + requestURI
}

// Exchange verifies the Signed Authorization header for a request and returns
// the principal's credential. Repeated exchanges return the same token until
// it is revoked. The bool reports whether a new token was minted.
func (e *Exchanger) Exchange(authorization, method, requestURI string) (state.Credential, bool, error) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, SignedScheme) {
		return state.Credential{}, false, errors.AuthError("signed assertion required").Build()
	}

	a, err := ParseAssertion(value)
	if err != nil {
		return state.Credential{}, false, errors.AuthError("malformed assertion").WithCause(err).Build()
	}
	if err := a.Verify(method, e.ExpectedURL(requestURI), e.clock.Now(), e.skew); err != nil {
		return state.Credential{}, false, errors.AuthError("assertion rejected").WithCause(err).Build()
	}

	principal := a.Principal()
	cred, created, err := e.store.GetOrCreate(principal, func() (state.Credential, error) {
		token, err := newToken()
		if err != nil {
			return state.Credential{}, err
		}
		now := e.clock.Now().UTC()
		return state.Credential{Token: token, CreatedAt: now, LastUsedAt: now}, nil
	})
	if err != nil {
		return state.Credential{}, false, err
	}
	if created {
		slog.Info("Issued credential", logfields.Owner(principal))
	}
	return cred, created, nil
}

// Revoke deletes the principal's credential so the next exchange mints a new token.
func (e *Exchanger) Revoke(principal string) (bool, error) {
	removed, err := e.store.Delete(principal)
	if err == nil && removed {
		slog.Info("Revoked credential", logfields.Owner(principal))
	}
	return removed, err
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.InternalError("failed to generate token").WithCause(err).Build()
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
