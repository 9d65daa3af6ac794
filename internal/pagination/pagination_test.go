package pagination

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name        string
		page, limit int
		want        Params
	}{
		{"defaults", 0, 0, Params{Page: 1, Limit: DefaultLimit}},
		{"negative page", -3, 10, Params{Page: 1, Limit: 10}},
		{"capped limit", 2, 1000, Params{Page: 2, Limit: MaxLimit}},
		{"as given", 3, 15, Params{Page: 3, Limit: 15}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.page, tt.limit))
		})
	}
}

func TestFromQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/x?page=2&limit=abc", nil)

	assert.Equal(t, Params{Page: 2, Limit: DefaultLimit}, FromQuery(c))
}

func TestNewMeta(t *testing.T) {
	assert.Equal(t, Meta{Page: 1, Limit: 20, Total: 0, Pages: 0}, NewMeta(Params{1, 20}, 0))
	assert.Equal(t, Meta{Page: 1, Limit: 20, Total: 20, Pages: 1}, NewMeta(Params{1, 20}, 20))
	assert.Equal(t, Meta{Page: 2, Limit: 20, Total: 41, Pages: 3}, NewMeta(Params{2, 20}, 41))
}

func TestSlice(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{1, 2}, Slice(items, Params{Page: 1, Limit: 2}))
	assert.Equal(t, []int{5}, Slice(items, Params{Page: 3, Limit: 2}))
	assert.Equal(t, []int{}, Slice(items, Params{Page: 4, Limit: 2}))
}

func TestParams_Offset(t *testing.T) {
	assert.Equal(t, 0, Params{Page: 1, Limit: 20}.Offset())
	assert.Equal(t, 40, Params{Page: 3, Limit: 20}.Offset())
}
