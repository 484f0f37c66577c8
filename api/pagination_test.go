package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmcleod/ironca/translog"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", translog.DefaultLimit, 0},
		{"custom limit", "limit=50", 50, 0},
		{"custom offset", "offset=10", translog.DefaultLimit, 10},
		{"both", "limit=25&offset=5", 25, 5},
		{"limit exceeds max", "limit=5000", translog.MaxLimit, 0},
		{"negative limit uses default", "limit=-1", translog.DefaultLimit, 0},
		{"negative offset uses zero", "offset=-5", translog.DefaultLimit, 0},
		{"non-numeric limit", "limit=abc", translog.DefaultLimit, 0},
		{"zero limit uses default", "limit=0", translog.DefaultLimit, 0},
		{"large offset", "offset=999999", translog.DefaultLimit, 999999},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/entries"
			if tt.query != "" {
				url += "?" + tt.query
			}
			limit, offset := parsePagination(httptest.NewRequest("GET", url, nil))
			assert.Equal(t, tt.wantLimit, limit, "limit")
			assert.Equal(t, tt.wantOffset, offset, "offset")
		})
	}
}

func TestNewPaginationMeta(t *testing.T) {
	assert.True(t, newPaginationMeta(50, 10, 0, 10).HasMore)
	assert.False(t, newPaginationMeta(50, 10, 40, 10).HasMore)
	assert.False(t, newPaginationMeta(50, 10, 60, 0).HasMore)
	assert.Equal(t, PaginationMeta{Total: 3, Limit: 100, Offset: 0}, newPaginationMeta(3, 100, 0, 3))
}
