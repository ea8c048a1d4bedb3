package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/internal/resilience"
)

// fakeStore serves Get from a map until down is flipped, after which every
// call fails with BackendUnavailable.
type fakeStore struct {
	Store
	entries map[string]Entry
	down    bool
}

func (f *fakeStore) Get(_ context.Context, key string) (Entry, bool, error) {
	if f.down {
		return Entry{}, false, apierr.New(apierr.BackendUnavailable, "fake.Get", "kv.down", "backend down")
	}
	e, ok := f.entries[key]
	return e, ok, nil
}

func (f *fakeStore) Put(_ context.Context, key string, value []byte, _ *uint64, _ time.Duration) (PutResult, error) {
	if f.down {
		return PutResult{}, apierr.New(apierr.BackendUnavailable, "fake.Put", "kv.down", "backend down")
	}
	f.entries[key] = Entry{Key: key, Value: value}
	return PutResult{Success: true, ModifyIndex: 1}, nil
}

func newFallbackFixture() (*fakeStore, Store) {
	inner := &fakeStore{entries: map[string]Entry{
		"app/db.url": {Key: "app/db.url", Value: []byte("postgres://x"), ModifyIndex: 7},
	}}
	return inner, WithFallback(inner, resilience.NewFallbackCache(16, time.Minute))
}

func TestFallbackGet_ServesStaleValueDuringOutage(t *testing.T) {
	inner, store := newFallbackFixture()
	ctx := context.Background()

	entry, found, err := store.Get(ctx, "app/db.url")
	if err != nil || !found {
		t.Fatalf("warm read failed: found=%v err=%v", found, err)
	}
	if entry.Stale {
		t.Fatal("expected live read to not be flagged stale")
	}

	inner.down = true

	entry, found, err = store.Get(ctx, "app/db.url")
	if err != nil || !found {
		t.Fatalf("expected stale fallback, got found=%v err=%v", found, err)
	}
	if !entry.Stale {
		t.Fatal("expected fallback read to be flagged stale")
	}
	if string(entry.Value) != "postgres://x" {
		t.Fatalf("expected last-known-good value, got %q", entry.Value)
	}
	if entry.ModifyIndex != 7 {
		t.Fatalf("expected cached modifyIndex 7, got %d", entry.ModifyIndex)
	}
}

func TestFallbackGet_ColdKeySurfacesBackendError(t *testing.T) {
	inner, store := newFallbackFixture()
	inner.down = true

	_, _, err := store.Get(context.Background(), "app/never.read")
	if !apierr.Is(err, apierr.BackendUnavailable) {
		t.Fatalf("expected BackendUnavailable for an uncached key, got %v", err)
	}
}

func TestFallbackPut_InvalidatesCachedEntry(t *testing.T) {
	inner, store := newFallbackFixture()
	ctx := context.Background()

	if _, _, err := store.Get(ctx, "app/db.url"); err != nil {
		t.Fatalf("warm read failed: %v", err)
	}
	if _, err := store.Put(ctx, "app/db.url", []byte("postgres://y"), nil, 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	inner.down = true
	if _, _, err := store.Get(ctx, "app/db.url"); !apierr.Is(err, apierr.BackendUnavailable) {
		t.Fatalf("expected invalidated entry to miss the cache, got %v", err)
	}
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		encoding Encoding
		want     string
		wantErr  bool
	}{
		{name: "raw", value: "hello", encoding: EncodingRaw, want: "hello"},
		{name: "utf8", value: "héllo", encoding: EncodingUTF8, want: "héllo"},
		{name: "default is raw", value: "hello", encoding: "", want: "hello"},
		{name: "base64", value: "aGVsbG8=", encoding: EncodingBase64, want: "hello"},
		{name: "bad base64", value: "!!!", encoding: EncodingBase64, wantErr: true},
		{name: "unknown encoding", value: "x", encoding: "hex", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeValue(tt.value, tt.encoding)
			if tt.wantErr {
				if !apierr.Is(err, apierr.InvalidArgument) {
					t.Fatalf("expected InvalidArgument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeValue() error = %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("DecodeValue() = %q, want %q", got, tt.want)
			}
		})
	}
}
