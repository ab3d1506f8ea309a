package s3

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"certchain/internal/blob/core"
)

// fakeS3 is a tiny path-style S3 subset: conditional PUT, GET, HEAD, DELETE.
type fakeS3 struct {
	mu    sync.Mutex
	state map[string]stored
	fail  int
}

type stored struct {
	body   []byte
	header http.Header
}

func respond(status int, body []byte, h http.Header) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: h, ContentLength: int64(len(body))}
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != 0 {
		return respond(f.fail, []byte("<Error><Code>InternalError</Code></Error>"), http.Header{"Content-Type": {"application/xml"}}), nil
	}
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	switch req.Method {
	case http.MethodPut:
		if _, exists := f.state[key]; exists && req.Header.Get("If-None-Match") == "*" {
			return respond(http.StatusPreconditionFailed, []byte("<Error><Code>PreconditionFailed</Code></Error>"), http.Header{"Content-Type": {"application/xml"}}), nil
		}
		body, _ := io.ReadAll(req.Body)
		if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") {
			body = decodeChunked(body)
		}
		h := http.Header{}
		for k, v := range req.Header {
			if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") || strings.EqualFold(k, "Content-Type") {
				h[k] = v
			}
		}
		h.Set("Last-Modified", time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC).Format(http.TimeFormat))
		f.state[key] = stored{body: body, header: h}
		return respond(http.StatusOK, nil, http.Header{"ETag": {"\"etag\""}}), nil
	case http.MethodHead, http.MethodGet:
		st, ok := f.state[key]
		if !ok {
			return respond(http.StatusNotFound, nil, nil), nil
		}
		h := st.header.Clone()
		h.Set("Content-Length", strconv.Itoa(len(st.body)))
		if req.Method == http.MethodHead {
			return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: h, ContentLength: int64(len(st.body))}, nil
		}
		return respond(http.StatusOK, st.body, h), nil
	case http.MethodDelete:
		delete(f.state, key)
		return respond(http.StatusNoContent, nil, nil), nil
	}
	return respond(http.StatusNotImplemented, nil, nil), nil
}

// decodeChunked strips aws-chunked framing: <hex>[;ext]\r\n<data>\r\n ... 0\r\n<trailers>.
func decodeChunked(b []byte) []byte {
	r := bufio.NewReader(bytes.NewReader(b))
	var out []byte
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return b
		}
		sizeHex := strings.TrimSpace(strings.SplitN(line, ";", 2)[0])
		n, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return b
		}
		if n == 0 {
			return out
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return b
		}
		out = append(out, chunk...)
		_, _ = r.ReadString('\n')
	}
}

func newFakeStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{state: make(map[string]stored)}
	store, err := New(context.Background(), Config{
		Bucket:          "media",
		Region:          "us-east-1",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: fake},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return store, fake
}

func TestStoreBasicFlow(t *testing.T) {
	store, _ := newFakeStore(t)
	ctx := context.Background()
	info, err := store.Put(ctx, "requests/a.png", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "image/png", Metadata: map[string]string{"origin": "upload"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if info.SHA256 != helloSHA || info.Size != 5 || info.ContentType != "image/png" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, ok := info.Metadata[metaDigest]; ok {
		t.Fatalf("digest must not leak into user metadata")
	}
	if _, err := store.Put(ctx, "requests/a.png", bytes.NewReader([]byte("again")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	head, err := store.Head(ctx, "requests/a.png")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.SHA256 != helloSHA || head.Size != 5 {
		t.Fatalf("unexpected head %+v", head)
	}
	_, rc, err := store.Get(ctx, "requests/a.png")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hello" {
		t.Fatalf("get mismatch: %q", data)
	}

	if ok, err := store.Delete(ctx, "requests/a.png"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "requests/a.png"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
}

func TestStoreErrorPaths(t *testing.T) {
	store, fake := newFakeStore(t)
	ctx := context.Background()
	if _, err := store.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found on head, got %v", err)
	}
	if _, _, err := store.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found on get, got %v", err)
	}

	fake.mu.Lock()
	fake.fail = http.StatusInternalServerError
	fake.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := store.Put(ctx, "k", bytes.NewReader([]byte("x")), core.PutOptions{}); err == nil || errors.Is(err, core.ErrExists) {
		t.Fatalf("expected server error, got %v", err)
	}
	if _, err := store.Delete(ctx, "k"); err == nil {
		t.Fatalf("expected delete to surface server error")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	store, err := New(context.Background(), Config{Bucket: "b"})
	if err != nil {
		t.Fatalf("default region: %v", err)
	}
	if store.Driver() != core.DriverS3 {
		t.Fatalf("expected DriverS3")
	}
}

func TestUserMetadataStripsDigest(t *testing.T) {
	md := userMetadata(map[string]string{"Sha256": "abc", "origin": "x"})
	if len(md) != 1 || md["origin"] != "x" {
		t.Fatalf("unexpected metadata %v", md)
	}
	if userMetadata(map[string]string{"sha256": "abc"}) != nil {
		t.Fatalf("expected nil for digest-only metadata")
	}
	if lookupFold(map[string]string{"SHA256": "d"}, metaDigest) != "d" {
		t.Fatalf("lookup must ignore case")
	}
}
