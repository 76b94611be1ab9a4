package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nestdesk/crm-chat/internal/auth"
)

type contextKey string

// ctxUserID carries the authenticated user ID through the request context.
const ctxUserID contextKey = "user_id"

// requireAuth verifies the bearer credential on the request and injects the
// authenticated user ID into the context. Expired credentials get 401 so the
// client refreshes and retries; anything else invalid gets 403.
func (h *Handler) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "credential_missing", "authorization required")
			return
		}

		userID, err := h.tokens.Verify(token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) {
				writeError(w, http.StatusUnauthorized, "credential_expired", "credential expired")
			} else {
				writeError(w, http.StatusForbidden, "credential_invalid", "credential rejected")
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUserID, userID)))
	})
}

// userFrom returns the authenticated user ID stored by requireAuth. Handlers
// behind the middleware can rely on it being non-empty.
func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserID).(string)
	return id
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
