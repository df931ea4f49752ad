package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"od-database/internal/models"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStatusStoreRoundTrip(t *testing.T) {
	_, client := newMiniredisClient(t)
	s := NewRedisStatusStoreWithClient(client, "od:crawl:state", 0)
	ctx := context.Background()

	_, ok, err := s.GetStatus(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := models.CrawlingSnapshot(models.WebsiteRef{ID: 7, URL: "http://example.com/"}, at)
	require.NoError(t, s.SetStatus(ctx, snap))

	got, ok, err := s.GetStatus(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Busy)
	require.NotNil(t, got.Current)
	assert.Equal(t, uint(7), got.Current.ID)
	assert.True(t, got.Consistent())

	require.NoError(t, s.SetStatus(ctx, models.IdleSnapshot(at)))
	got, ok, err = s.GetStatus(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.Busy)
	assert.Nil(t, got.Current)
}

func TestRedisStatusStoreExpires(t *testing.T) {
	mr, client := newMiniredisClient(t)
	s := NewRedisStatusStoreWithClient(client, "od:crawl:state", time.Minute)
	ctx := context.Background()

	require.NoError(t, s.SetStatus(ctx, models.IdleSnapshot(time.Now())))
	mr.FastForward(2 * time.Minute)

	_, ok, err := s.GetStatus(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStatusStoreRejectsGarbage(t *testing.T) {
	mr, client := newMiniredisClient(t)
	s := NewRedisStatusStoreWithClient(client, "od:crawl:state", 0)
	require.NoError(t, mr.Set("od:crawl:state", "not-json"))

	_, _, err := s.GetStatus(context.Background())
	assert.Error(t, err)
}

func TestRedisCacheHitAndMiss(t *testing.T) {
	mr, client := newMiniredisClient(t)
	c := NewRedisCache(client, "od:chart:", 30*time.Second)
	ctx := context.Background()

	var out []models.ExtensionStat
	ok, err := c.Get(ctx, "1", &out)
	require.NoError(t, err)
	assert.False(t, ok)

	in := []models.ExtensionStat{{Ext: "iso", Count: 2, Size: 4096}}
	require.NoError(t, c.Set(ctx, "1", in))
	assert.True(t, mr.Exists("od:chart:1"))

	ok, err = c.Get(ctx, "1", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, out)

	mr.FastForward(31 * time.Second)
	ok, err = c.Get(ctx, "1", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}
