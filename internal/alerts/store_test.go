package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqshield/internal/model"
)

func TestStoreKeepsMostRecent(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Add(model.SecurityEvent{ID: string(rune('a' + i)), Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	got := s.List(0)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "e", got[2].ID)

	assert.Len(t, s.List(2), 2)
	assert.Equal(t, "d", s.List(2)[0].ID)

	since := s.Since(base.Add(3 * time.Minute))
	require.Len(t, since, 2)
	assert.Equal(t, "d", since[0].ID)
}

func TestStoreWriteAndClear(t *testing.T) {
	s := NewStore(10)
	require.NoError(t, s.Write(context.Background(), []model.SecurityEvent{{ID: "1"}, {ID: "2"}}))
	assert.Equal(t, 2, s.Len())
	s.Clear()
	assert.Empty(t, s.List(0))
}
