package pricing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/mandi/internal/products"
)

func newTestRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(f.svc)
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterProtectedRoutes(r.Group("/v1"))
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func TestHandler_GetRequiresCategory(t *testing.T) {
	r := newTestRouter(newFixture(nil))
	w := get(r, "/v1/price-discovery")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Category is required")
}

func TestHandler_Get(t *testing.T) {
	f := newFixture(nil)
	f.add(t, products.CategoryVegetables, "Pune", "Maharashtra", 30, 10, testNow)
	r := newTestRouter(f)

	w := get(r, "/v1/price-discovery?category=vegetables&city=Pune&state=Maharashtra")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool   `json:"success"`
		Data    Record `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 30.0, body.Data.AveragePrice)
	assert.Equal(t, "Pune, Maharashtra", body.Data.Location)
}

func TestHandler_TrendsAndCompare(t *testing.T) {
	r := newTestRouter(newFixture(nil))

	w := get(r, "/v1/price-discovery/trends?categories=fruits,%20dairy,")
	require.Equal(t, http.StatusOK, w.Code)
	var trends struct {
		Data []Record `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trends))
	require.Len(t, trends.Data, 2)
	assert.Equal(t, "dairy", trends.Data[1].ProductCategory)

	w = get(r, "/v1/price-discovery/compare?category=fish&locations=Kochi,%20Kerala%7CPuri,%20Odisha")
	require.Equal(t, http.StatusOK, w.Code)
	var cmp struct {
		Data []Record `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cmp))
	require.Len(t, cmp.Data, 2)
	assert.Equal(t, "Puri, Odisha", cmp.Data[1].Location)

	w = get(r, "/v1/price-discovery/compare?category=fish")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_History(t *testing.T) {
	f := newFixture(nil)
	f.add(t, products.CategoryPulses, "Latur", "Maharashtra", 95, 10, testNow)
	r := newTestRouter(f)

	w := get(r, "/v1/price-discovery/history?category=pulses&days=3")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []HistoryPoint `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, 1, body.Data[0].Volume)
}

func TestHandler_ClearCache(t *testing.T) {
	f := newFixture(nil)
	r := newTestRouter(f)

	get(r, "/v1/price-discovery?category=oils")
	require.Equal(t, 1, f.cache.Len())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/price-discovery/cache/clear", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, f.cache.Len())
}

func TestLocationFromQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for query, want := range map[string]string{
		"city=Pune&state=MH": "Pune, MH",
		"city=Pune":          "Pune",
		"state=MH":           ", MH",
		"":                   "",
	} {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/?"+query, nil)
		assert.Equal(t, want, locationFromQuery(c), query)
	}
}
