package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/pkg/auth"
)

// AuthMiddleware validates JWT tokens and injects user claims into context
func AuthMiddleware(jwtManager *auth.JWTManager, revoker auth.Revoker) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{Error: "Authorization header required"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{Error: "Invalid authorization format. Use: Bearer <token>"})
			return
		}

		tokenString := parts[1]

		claims, err := Authenticate(c, jwtManager, revoker, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(err.status, model.ErrorResponse{Error: err.message})
			return
		}

		// Store user info in context for downstream handlers
		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("token", tokenString)

		c.Next()
	}
}

// AuthError is a rejected credential with the status to answer it with
type AuthError struct {
	status  int
	message string
}

func (e *AuthError) Error() string { return e.message }

// Status returns the HTTP status for the rejection
func (e *AuthError) Status() int { return e.status }

// Authenticate checks a bearer token against the blacklist and its signature
func Authenticate(c *gin.Context, jwtManager *auth.JWTManager, revoker auth.Revoker, tokenString string) (*auth.Claims, *AuthError) {
	// Check blacklist
	revoked, err := revoker.IsRevoked(c.Request.Context(), tokenString)
	if err != nil {
		// fail closed
		return nil, &AuthError{http.StatusInternalServerError, "Auth server error"}
	}
	if revoked {
		return nil, &AuthError{http.StatusUnauthorized, "Token has been revoked"}
	}

	claims, err := jwtManager.ValidateToken(tokenString)
	if err != nil {
		return nil, &AuthError{http.StatusUnauthorized, "Invalid or expired token"}
	}
	return claims, nil
}
