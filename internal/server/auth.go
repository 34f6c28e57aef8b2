package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultUserID is the subject every request maps to in single-user mode.
const DefaultUserID = "local"

const userIDKey = "milo.userID"

// StaticTokenAuth is the reference Auth implementation: one shared bearer
// token mapping to the single local user. An empty token disables the check
// entirely, which is the local-development default.
type StaticTokenAuth struct {
	token string
}

func NewStaticTokenAuth(token string) *StaticTokenAuth {
	return &StaticTokenAuth{token: token}
}

// ResolveSubject validates the presented token and returns the subject id.
func (a *StaticTokenAuth) ResolveSubject(_ context.Context, principal string) (string, error) {
	if a.token == "" {
		return DefaultUserID, nil
	}
	if subtle.ConstantTimeCompare([]byte(principal), []byte(a.token)) == 1 {
		return DefaultUserID, nil
	}
	return "", fmt.Errorf("invalid token")
}

// requireAuth resolves the request principal and stashes the subject id on
// the gin context. The token rides the Authorization header, or the `token`
// query parameter for WebSocket clients that cannot set headers.
func (s *Server) requireAuth(c *gin.Context) {
	principal := bearerToken(c.GetHeader("Authorization"))
	if principal == "" {
		principal = c.Query("token")
	}

	userID, err := s.deps.Auth.ResolveSubject(c.Request.Context(), principal)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDKey, userID)
	c.Next()
}

func (s *Server) userID(c *gin.Context) string {
	if id, ok := c.Get(userIDKey); ok {
		if str, ok := id.(string); ok {
			return str
		}
	}
	return DefaultUserID
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
