package authority

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shortontech/previewguard/internal/fingerprint"
)

type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.err)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newRedisStore(fake)
	store.now = func() time.Time { return now }

	sess := Session{
		ID:              "s1",
		FileID:          "file-1",
		Fingerprint:     fingerprint.Hash(device()),
		Characteristics: device(),
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
	}
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if ttl := fake.ttls["previewguard:session:s1"]; ttl != time.Hour+DefaultRetention {
		t.Errorf("ttl = %v, want %v", ttl, time.Hour+DefaultRetention)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Fingerprint != sess.Fingerprint || !got.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Errorf("Get() = %+v", got)
	}
	if v, ok := got.Characteristics.DeviceMemory.Get(); !ok || v != 8 {
		t.Errorf("optional probe lost in round trip: %v %v", v, ok)
	}
	if fingerprint.Hash(got.Characteristics) != sess.Fingerprint {
		t.Error("characteristics hash changed in round trip")
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
}

func TestRedisStoreErrors(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	store := newRedisStore(fake)

	if err := store.Ping(ctx); err == nil {
		t.Error("Ping() should fail")
	}
	if _, err := store.Get(ctx, "s1"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want a store failure", err)
	}
	if err := store.Put(ctx, Session{ID: "s1"}); err == nil {
		t.Error("Put() should fail")
	}

	svc := NewService(store)
	if _, err := svc.Validate(ctx, sessionRequest("s1")); err == nil {
		t.Error("Validate() should surface store failures")
	}
}

func TestRedisStoreCorruptValue(t *testing.T) {
	fake := newFakeRedis()
	fake.values["previewguard:session:s1"] = "{not json"
	if _, err := newRedisStore(fake).Get(context.Background(), "s1"); err == nil {
		t.Error("Get() should fail on a corrupt value")
	}
}

// TestRedisStoreLive runs against a real server when REDIS_TEST_ADDR is set.
func TestRedisStoreLive(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	store := NewRedisStore(addr, "", 0)
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	svc := NewService(store)
	sess, err := svc.Register(ctx, "file-1", device())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer store.Delete(ctx, sess.ID)

	resp, err := svc.Validate(ctx, sessionRequestFor(sess))
	if err != nil || !resp.Valid {
		t.Errorf("Validate() = %+v, %v", resp, err)
	}
}
