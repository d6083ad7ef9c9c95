package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"qms/counter-service/internal/models"
)

type actorContextKey struct{}

var knownRoles = map[models.Role]bool{
	models.RoleSuperAdmin: true,
	models.RoleAdmin:      true,
	models.RoleCashier:    true,
	models.RoleSales:      true,
}

// ActorMiddleware reads the caller identity set by the upstream gateway. The
// headers are trusted; only their presence and the role name are checked.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		actor, ok := actorFromRequest(r)
		if !ok {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing actor")
			return
		}
		if !knownRoles[actor.Role] {
			writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "unknown role")
			return
		}
		ctx := context.WithValue(r.Context(), actorContextKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDMiddleware makes sure every request carries an X-Request-ID and
// echoes it back.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFromRequest(r)
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set("X-Request-ID", requestID)
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func actorFromRequest(r *http.Request) (models.Actor, bool) {
	actorID := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	role := strings.TrimSpace(r.Header.Get("X-Actor-Role"))
	if actorID == "" || role == "" {
		return models.Actor{}, false
	}
	return models.Actor{ActorID: actorID, Role: models.Role(strings.ToLower(role))}, true
}

func actorFromContext(ctx context.Context) models.Actor {
	actor, _ := ctx.Value(actorContextKey{}).(models.Actor)
	return actor
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
