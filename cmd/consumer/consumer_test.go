package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	geoKey   string
	metaKey  string
	meta     map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	f.geoKey = key
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	f.metaKey = key
	f.meta = values
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func testDriver() *models.Driver {
	return &models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, VehicleType: models.VehicleSedan, OnDuty: true}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	ctx := context.Background()
	start := time.Now()
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", testDriver(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	ctx := context.Background()
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", testDriver(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestUpdateRedisWithRetry_WritesMeta(t *testing.T) {
	f := &fakeUpdater{}
	if err := updateRedisWithRetry(context.Background(), f, "drivers_geo", testDriver(), 1, time.Millisecond); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.geoKey != "drivers_geo" {
		t.Fatalf("wrong geo key: %s", f.geoKey)
	}
	if f.metaKey != "driver:meta:d1" {
		t.Fatalf("wrong meta key: %s", f.metaKey)
	}
	if f.meta["vehicle_type"] != "sedan" || f.meta["on_duty"] != "true" {
		t.Fatalf("unexpected meta: %v", f.meta)
	}
}
