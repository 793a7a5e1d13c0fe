package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/studyforge/coursegen-backend/internal/http/response"
	"github.com/studyforge/coursegen-backend/internal/platform/ctxutil"
)

/*
RequireUser resolves the caller identity the upstream gateway attached and
makes it available to services through the request context. Authentication
itself happens at the gateway; a request without a valid X-User-ID never
reaches a service.
*/
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("X-User-ID"))
		userID, err := uuid.Parse(raw)
		if err != nil || userID == uuid.Nil {
			response.RespondError(c, http.StatusUnauthorized, "missing_identity",
				errors.New("missing or invalid X-User-ID header"))
			c.Abort()
			return
		}
		requestID := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := ctxutil.WithRequestData(c.Request.Context(), &ctxutil.RequestData{
			UserID:    userID,
			RequestID: requestID,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
