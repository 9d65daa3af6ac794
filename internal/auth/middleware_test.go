package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/mandi/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"bearer header", "Bearer abc.def", "", "abc.def"},
		{"case-insensitive scheme", "bearer abc", "", "abc"},
		{"non-bearer header", "Basic abc", "", ""},
		{"header wins over query", "Bearer h", "q", "h"},
		{"query fallback", "", "q", "q"},
		{"nothing", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/ws"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			req := httptest.NewRequest("GET", url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, TokenFromRequest(req))
		})
	}
}

func newRouter(m *Manager) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/public", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c), "authed": IsAuthenticated(c)})
	})
	r.GET("/private", RequireAuth(m), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user":   UserID(c),
			"logged": logging.UserID(c.Request.Context()),
		})
	})
	return r
}

func TestMiddleware_SetsUser(t *testing.T) {
	m := NewManager(testSecret, "mandi")
	token, err := m.Issue("usr_vendor", "vendor")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	newRouter(m).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"usr_vendor","logged":"usr_vendor"}`, w.Body.String())
}

func TestMiddleware_PublicRouteWithoutToken(t *testing.T) {
	m := NewManager(testSecret, "mandi")

	w := httptest.NewRecorder()
	newRouter(m).ServeHTTP(w, httptest.NewRequest("GET", "/public", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"","authed":false}`, w.Body.String())
}

func TestRequireAuth_Missing(t *testing.T) {
	m := NewManager(testSecret, "mandi")

	w := httptest.NewRecorder()
	newRouter(m).ServeHTTP(w, httptest.NewRequest("GET", "/private", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)
	assert.Contains(t, w.Body.String(), "Bearer token required")
}

func TestRequireAuth_Expired(t *testing.T) {
	past := time.Now().Add(-48 * time.Hour)
	token, err := NewManager(testSecret, "mandi").WithClock(fixedClock(past)).Issue("usr_1", "buyer")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	newRouter(NewManager(testSecret, "mandi")).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "expired")
}
