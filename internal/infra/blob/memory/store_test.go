package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"certchain/internal/blob/core"
)

func TestStoreMissingKeys(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found on head, got %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found on get, got %v", err)
	}
	if ok, err := store.Delete(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected delete false")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()
	meta := map[string]string{"a": "1"}
	info, err := store.Put(ctx, "k", bytes.NewReader([]byte("v")), core.PutOptions{ContentType: "image/gif", Metadata: meta})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	meta["a"] = "mutated"
	if info.SHA256 == "" || info.Size != 1 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "k", bytes.NewReader([]byte("v2")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, rc, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	if string(body) != "v" || got.Metadata["a"] != "1" {
		t.Fatalf("unexpected content %q meta %v", body, got.Metadata)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one blob")
	}
	if ok, _ := store.Delete(ctx, "k"); !ok || store.Len() != 0 {
		t.Fatalf("delete failed")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("fail") }

func TestStorePutErrors(t *testing.T) {
	store := New()
	if store.Driver() != core.DriverMemory {
		t.Fatalf("expected memory driver")
	}
	if _, err := store.Put(context.Background(), "bad", failingReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected read error")
	}
	if _, err := store.Put(context.Background(), "", bytes.NewReader(nil), core.PutOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
}
