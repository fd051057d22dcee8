package unwrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/thenexusengine/tne_addecision/pkg/redis"
)

func sampleResult(url string) *Result {
	return &Result{
		OriginalURL: url,
		Chain:       []Hop{{Depth: 0, URL: url, Type: HopInline}},
		Creative:    &Creative{Title: "Cached Ad", DurationSec: 15},
		TrackingPixels: map[string][]TaggedURL{
			"impression": {{URL: "https://track.example.com/imp", Depth: 0}},
		},
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	ctx := context.Background()

	if _, ok := cache.Get(ctx, "https://ads.example.com/tag"); ok {
		t.Fatal("expected miss on empty cache")
	}

	stored := sampleResult("https://ads.example.com/tag")
	cache.Set(ctx, "https://ads.example.com/tag", stored)

	got, ok := cache.Get(ctx, "https://ads.example.com/tag")
	if !ok {
		t.Fatal("expected hit")
	}
	if got != stored {
		t.Error("memory cache should return the stored result")
	}
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	cache := NewMemoryCache(5 * time.Minute)
	current := time.Now()
	cache.now = func() time.Time { return current }
	ctx := context.Background()

	cache.Set(ctx, "url", sampleResult("url"))

	current = current.Add(4 * time.Minute)
	if _, ok := cache.Get(ctx, "url"); !ok {
		t.Error("entry expired before TTL")
	}

	current = current.Add(2 * time.Minute)
	if _, ok := cache.Get(ctx, "url"); ok {
		t.Error("entry survived past TTL")
	}
	if stats := cache.Stats(ctx); stats.Size != 0 {
		t.Errorf("expired entry not removed, size %d", stats.Size)
	}
}

func TestMemoryCacheStats(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	ctx := context.Background()

	cache.Set(ctx, "a", sampleResult("a"))
	cache.Set(ctx, "b", sampleResult("b"))

	stats := cache.Stats(ctx)
	if stats.Size != 2 {
		t.Errorf("size = %d, want 2", stats.Size)
	}
	if stats.TTL != time.Minute {
		t.Errorf("ttl = %v", stats.TTL)
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	cache := NewRedisCache(client, time.Minute)
	ctx := context.Background()

	if _, ok := cache.Get(ctx, "https://ads.example.com/tag"); ok {
		t.Fatal("expected miss on empty cache")
	}

	stored := sampleResult("https://ads.example.com/tag")
	cache.Set(ctx, "https://ads.example.com/tag", stored)

	got, ok := cache.Get(ctx, "https://ads.example.com/tag")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Creative == nil || got.Creative.Title != "Cached Ad" {
		t.Errorf("decoded creative = %+v", got.Creative)
	}
	if len(got.TrackingPixels["impression"]) != 1 {
		t.Errorf("tracking pixels lost in round trip: %+v", got.TrackingPixels)
	}
}

func TestRedisCacheTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	cache := NewRedisCache(client, time.Minute)
	ctx := context.Background()

	cache.Set(ctx, "url", sampleResult("url"))
	mr.FastForward(2 * time.Minute)

	if _, ok := cache.Get(ctx, "url"); ok {
		t.Error("entry survived past TTL")
	}
}

func TestRedisCacheCorruptEntryIsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	mr.Set(redisKeyPrefix+"url", "not json")

	cache := NewRedisCache(client, time.Minute)
	if _, ok := cache.Get(context.Background(), "url"); ok {
		t.Error("corrupt entry should read as a miss")
	}
}
