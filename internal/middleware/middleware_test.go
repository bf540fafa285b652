package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quocanhngo/convo/pkg/auth"
)

func TestAllowsAny(t *testing.T) {
	t.Parallel()

	tests := []struct {
		origins []string
		want    bool
	}{
		{nil, true},
		{[]string{"*"}, true},
		{[]string{"http://a.test", "*"}, true},
		{[]string{"http://a.test"}, false},
	}
	for _, tt := range tests {
		if got := allowsAny(tt.origins); got != tt.want {
			t.Errorf("allowsAny(%v): got %v, want %v", tt.origins, got, tt.want)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	jwtManager := auth.NewJWTManager("secret", time.Hour)
	revoker := auth.NewMemoryBlacklist()
	id := uuid.New()
	token, err := jwtManager.GenerateToken(id, "ann")
	if err != nil {
		t.Fatal(err)
	}
	revoked, err := jwtManager.GenerateToken(uuid.New(), "ben")
	if err != nil {
		t.Fatal(err)
	}
	if err := revoker.Revoke(t.Context(), revoked, time.Hour); err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	r.Use(AuthMiddleware(jwtManager, revoker))
	r.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, c.MustGet("user_id").(uuid.UUID).String())
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"revoked", "Bearer " + revoked, http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("got %d, want %d", w.Code, tt.status)
			}
			if tt.status == http.StatusOK && w.Body.String() != id.String() {
				t.Errorf("got %q, want %q", w.Body.String(), id)
			}
		})
	}
}
