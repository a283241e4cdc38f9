package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newAdminRouter(key string) *gin.Engine {
	r := gin.New()
	r.Use(AdminAuth(key))
	r.GET("/admin", func(c *gin.Context) {
		if IsAdmin(c) {
			c.Status(http.StatusOK)
			return
		}
		c.Status(http.StatusTeapot)
	})
	return r
}

func TestAdminAuth(t *testing.T) {
	r := newAdminRouter("s3cret")
	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", AdminKeyHeader, "nope", http.StatusUnauthorized},
		{"header", AdminKeyHeader, "s3cret", http.StatusOK},
		{"bearer", "Authorization", "Bearer s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestAdminAuth_EmptyKeyDisables(t *testing.T) {
	r := newAdminRouter("")
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set(AdminKeyHeader, "")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
