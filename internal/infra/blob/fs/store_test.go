package fs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"certchain/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestStorePutGetHeadDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	info, err := store.Put(ctx, "requests/a.png", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "image/png", Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "requests/a.png" || info.Size != 5 || info.SHA256 != digest("hello") {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "requests/a.png", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	h, err := store.Head(ctx, "requests/a.png")
	if err != nil || h.ContentType != "image/png" || h.Metadata["k"] != "v" {
		t.Fatalf("head: %+v %v", h, err)
	}
	g, rc, err := store.Get(ctx, "requests/a.png")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if string(b) != "hello" || g.SHA256 != h.SHA256 {
		t.Fatalf("unexpected get artifacts")
	}

	ok, err := store.Delete(ctx, "requests/a.png")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "requests/a.png"); err != nil || ok {
		t.Fatalf("second delete should report false")
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "requests", "a.png.meta")); !os.IsNotExist(err) {
		t.Fatalf("sidecar must be removed, stat err %v", err)
	}
}

func TestStoreMissingKeys(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: %v", err)
	}
	if _, _, err := store.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: %v", err)
	}
}

func TestStoreRejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, key := range []string{"", "  ", "../escape", "/abs", "a/../../b", "x.meta"} {
		if _, err := store.Put(ctx, key, bytes.NewReader([]byte("x")), core.PutOptions{}); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
		if _, err := store.Delete(ctx, key); err == nil {
			t.Fatalf("expected delete of %q to be rejected", key)
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestStorePutReadErrorLeavesNothing(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Put(ctx, "requests/bad.mp4", failingReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected read error")
	}
	entries, err := os.ReadDir(filepath.Join(store.Root(), "requests"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftovers, found %d", len(entries))
	}
	if _, err := store.Head(ctx, "requests/bad.mp4"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found after failed put, got %v", err)
	}
}

func TestStoreConcurrentPutSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Put(ctx, "requests/same.gif", bytes.NewReader([]byte("gif")), core.PutOptions{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, core.ErrExists):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
}

func TestStoreCancelledContext(t *testing.T) {
	store := newTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Put(ctx, "k", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestNewDefaultsRootAndDriver(t *testing.T) {
	t.Chdir(t.TempDir())
	store, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.Root() != defaultRoot || store.Driver() != core.DriverFilesystem {
		t.Fatalf("unexpected store %s %s", store.Root(), store.Driver())
	}
}
