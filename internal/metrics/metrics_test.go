package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqshield/internal/model"
)

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		s.Update(fmt.Sprintf("c%d", i), model.Counts{PerMinute: int64(i)}, base.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 3, s.Len())
	_, ok := s.Get("c0")
	assert.False(t, ok)
	c, ok := s.Get("c3")
	require.True(t, ok)
	assert.EqualValues(t, 3, c.Counts.PerMinute)
}

func TestCollectorsExposeMetrics(t *testing.T) {
	c := NewCollectors()
	c.Decisions.WithLabelValues("BLOCK", "waf_block").Inc()
	c.ObserveTraffic(model.TrafficSnapshot{RequestsPerSecond: 12.5, UniqueClients: 4})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `reqshield_decisions_total{action="BLOCK",reason="waf_block"} 1`)
	assert.Contains(t, body, "reqshield_requests_per_second 12.5")
}
