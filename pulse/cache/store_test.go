package cache

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pqtest "github.com/teranos/pulseq/internal/testing"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	s := NewStore(pqtest.CreateTestDB(t))
	s.now = func() time.Time { return now }
	return s, &now
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", []byte("v1"), time.Hour))
	require.NoError(t, s.Set(ctx, "k", []byte("v2"), time.Hour))

	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)

	require.NoError(t, s.Set(ctx, "short", []byte("x"), time.Minute))
	require.NoError(t, s.Set(ctx, "forever", []byte("y"), 0))

	*now = now.Add(2 * time.Minute)

	_, ok, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok, "expired entries are invisible before purge")

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err = s.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJSONAndDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	type payload struct {
		Status int    `json:"status"`
		Msg    string `json:"message"`
	}
	require.NoError(t, s.SetJSON(ctx, "p", payload{Status: 2, Msg: "hi"}, time.Hour))

	var got payload
	ok, err := s.GetJSON(ctx, "p", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload{Status: 2, Msg: "hi"}, got)

	require.NoError(t, s.Delete(ctx, "p"))
	require.NoError(t, s.Delete(ctx, "p"))
	ok, err = s.GetJSON(ctx, "p", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetWrapsDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO cache_entries").WillReturnError(assert.AnError)

	err = NewStore(db).Set(context.Background(), "k", []byte("v"), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write cache key k")
	assert.NoError(t, mock.ExpectationsWereMet())
}
