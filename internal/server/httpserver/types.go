package httpserver

import (
	"net/http"

	"git.home.luguber.info/inful/pkgforge/internal/server/handlers"
	smw "git.home.luguber.info/inful/pkgforge/internal/server/middleware"
)

// Options carries the runtime components the routes are wired to.
type Options struct {
	Registry      handlers.BuildRegistry
	Ingress       handlers.Ingress
	Exchanger     handlers.CredentialExchanger
	Authenticator smw.Authenticator
	Runtime       handlers.Runtime

	// Optional: lifecycle journal for /api/builds/{id}/events.
	Events handlers.EventSource
	// Optional: Prometheus exposition served to the Admin on /metrics.
	PrometheusHandler http.Handler
}
