package handlers

import (
	"log/slog"
	"net/http"

	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgforge/internal/server/responses"
	"git.home.luguber.info/inful/pkgforge/internal/state"
)

// CredentialExchanger issues and revokes principal credentials.
type CredentialExchanger interface {
	Exchange(authorization, method, requestURI string) (state.Credential, bool, error)
	Revoke(principal string) (bool, error)
}

// AuthHandlers serves the /api/auth routes.
type AuthHandlers struct {
	exchanger    CredentialExchanger
	errorAdapter *errors.HTTPErrorAdapter
}

// NewAuthHandlers creates auth handlers.
func NewAuthHandlers(exchanger CredentialExchanger, adapter *errors.HTTPErrorAdapter) *AuthHandlers {
	if adapter == nil {
		adapter = errors.NewHTTPErrorAdapter(slog.Default())
	}
	return &AuthHandlers{exchanger: exchanger, errorAdapter: adapter}
}

// HandleExchange trades a Signed assertion for the principal's bearer token.
func (h *AuthHandlers) HandleExchange(w http.ResponseWriter, r *http.Request) {
	cred, created, err := h.exchanger.Exchange(r.Header.Get("Authorization"), r.Method, r.URL.RequestURI())
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Signed realm="pkgforge"`)
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respond(h.errorAdapter, w, r, status, responses.ExchangeResponse{
		Token:     cred.Token,
		Principal: cred.Principal,
		CreatedAt: cred.CreatedAt,
	})
}

// HandleRevoke deletes the calling principal's credential.
func (h *AuthHandlers) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	if who.Admin {
		h.errorAdapter.WriteErrorResponse(w, r, errors.ValidationError("the admin key is configured, not issued, and cannot be revoked").Build())
		return
	}
	revoked, err := h.exchanger.Revoke(who.Principal)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	respond(h.errorAdapter, w, r, http.StatusOK, responses.RevokeResponse{Revoked: revoked})
}
