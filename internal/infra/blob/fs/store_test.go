package fs

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"latticecore/internal/infra/blob/core"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	info, err := store.Put(ctx, "reports/c1/r1.json", strings.NewReader(`{"id":"r1"}`), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"cell_id": "c1"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(`{"id":"r1"}`)) {
		t.Fatalf("size = %d", info.Size)
	}
	if info.ETag == "" {
		t.Fatalf("expected content etag")
	}

	got, rc, err := store.Get(ctx, "reports/c1/r1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	payload, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(payload) != `{"id":"r1"}` {
		t.Fatalf("payload = %s", payload)
	}
	if got.ContentType != "application/json" || got.Metadata["cell_id"] != "c1" {
		t.Fatalf("metadata lost: %+v", got)
	}
}

func TestPutRejectsExistingKey(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "k", strings.NewReader("one"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "k", strings.NewReader("two"), core.PutOptions{}); err == nil {
		t.Fatalf("expected error overwriting existing key")
	}
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "  ", "../escape", "a/../../b", "/absolute"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
}

func TestDeleteReportsExistence(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "k", strings.NewReader("x"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	existed, err := store.Delete(ctx, "k")
	if err != nil || !existed {
		t.Fatalf("delete existing: existed=%v err=%v", existed, err)
	}
	existed, err = store.Delete(ctx, "k")
	if err != nil || existed {
		t.Fatalf("delete absent: existed=%v err=%v", existed, err)
	}
}

func TestListFiltersByPrefix(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for _, key := range []string{"variants/v1.json", "variants/v2.json", "reports/c1/r1.json"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	infos, err := store.List(ctx, "variants/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(infos))
	}
	if infos[0].Key != "variants/v1.json" || infos[1].Key != "variants/v2.json" {
		t.Fatalf("unexpected order: %v", infos)
	}
}

func TestPresignURLSupportsGetOnly(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	url, err := store.PresignURL(ctx, "k", core.PresignOptions{Method: "GET"})
	if err != nil || url == "" {
		t.Fatalf("presign get: url=%q err=%v", url, err)
	}
	if _, err := store.PresignURL(ctx, "k", core.PresignOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for PUT, got %v", err)
	}
}
