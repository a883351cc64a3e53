package acm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestConfigPath(t *testing.T, handler http.HandlerFunc) (*configPath, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host, portStr, _ := strings.Cut(strings.TrimPrefix(srv.URL, "http://"), ":")
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	pool := &serverPool{
		servers:       []ServerEntry{{Host: host, Port: port}},
		everSucceeded: true,
		lastFailure:   make(map[int]time.Time),
	}
	cfg := DefaultConfig()
	cfg.SnapshotBase = t.TempDir()
	sign := newSigner(cfg)
	httpF := newHTTPFacade(pool, sign, cfg)
	store := newFileStore(cfg)
	kms := newKMSEnvelope(cfg)
	return newConfigPath(pool, httpF, store, kms, cfg), srv.URL
}

// TestGetSnapshotWriteOnSuccess covers scenario S1: a successful remote fetch
// writes through to the snapshot cache.
func TestGetSnapshotWriteOnSuccess(t *testing.T) {
	c, _ := newTestConfigPath(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("remote-content"))
	})
	k := NewKey("D", "G", "T")

	got, err := c.Get(context.Background(), k, time.Second, false)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(got) != "remote-content" {
		t.Errorf("got %q want remote-content", got)
	}
	snap, ok := c.store.readSnapshot(k)
	if !ok || string(snap) != "remote-content" {
		t.Errorf("expected snapshot to hold remote-content, got %q ok=%v", snap, ok)
	}
}

// TestGetFallsBackToSnapshotOn5xx covers scenario S2.
func TestGetFallsBackToSnapshotOn5xx(t *testing.T) {
	c, _ := newTestConfigPath(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	k := NewKey("D", "G", "T")
	c.store.writeSnapshot(k, []byte("from-snapshot"))

	got, err := c.Get(context.Background(), k, time.Second, false)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(got) != "from-snapshot" {
		t.Errorf("got %q want from-snapshot", got)
	}
}

// TestGetNoServerAvailableWithoutSnapshot covers scenario S3: all servers
// fail and there is no snapshot to fall back to.
func TestGetNoServerAvailableWithoutSnapshot(t *testing.T) {
	c, _ := newTestConfigPath(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	k := NewKey("D", "G", "T")

	_, err := c.Get(context.Background(), k, time.Second, false)
	if err == nil {
		t.Fatalf("expected an error")
	}
	var noServer *ErrNoServerAvailable
	if !asErrNoServerAvailable(err, &noServer) {
		t.Errorf("expected ErrNoServerAvailable, got %T: %s", err, err)
	}
}

// TestGetNoSnapshotFlagSkipsCache ensures noSnapshot bypasses the fallback
// tier entirely, even when a snapshot exists.
func TestGetNoSnapshotFlagSkipsCache(t *testing.T) {
	c, _ := newTestConfigPath(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	k := NewKey("D", "G", "T")
	c.store.writeSnapshot(k, []byte("from-snapshot"))

	_, err := c.Get(context.Background(), k, time.Second, true)
	if err == nil {
		t.Fatalf("expected an error when noSnapshot is set and remote fails")
	}
}

// TestGetNotFoundClearsSnapshot covers the 404 -> (nil, nil) + snapshot
// eviction behavior.
func TestGetNotFoundClearsSnapshot(t *testing.T) {
	c, _ := newTestConfigPath(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	k := NewKey("D", "G", "T")
	c.store.writeSnapshot(k, []byte("stale"))

	got, err := c.Get(context.Background(), k, time.Second, false)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got != nil {
		t.Errorf("expected nil content for a 404, got %q", got)
	}
	if _, ok := c.store.readSnapshot(k); ok {
		t.Errorf("expected stale snapshot to be evicted on 404")
	}
}

func TestPublishRejectsNilContent(t *testing.T) {
	c, _ := newTestConfigPath(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("server should not be contacted")
	})
	err := c.Publish(context.Background(), NewKey("D", "G", "T"), nil, time.Second)
	if err == nil {
		t.Fatalf("expected an error for nil content")
	}
}

func TestPublishAllowsEmptyContent(t *testing.T) {
	c, _ := newTestConfigPath(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	k := NewKey("D", "G", "T")
	if err := c.Publish(context.Background(), k, []byte(""), time.Second); err != nil {
		t.Fatalf("unexpected error publishing empty content: %s", err)
	}
	got, ok := c.store.readSnapshot(k)
	if !ok || len(got) != 0 {
		t.Errorf("expected an empty-but-present snapshot, got %q ok=%v", got, ok)
	}
}

func TestRemoveDeletesSnapshot(t *testing.T) {
	c, _ := newTestConfigPath(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	k := NewKey("D", "G", "T")
	c.store.writeSnapshot(k, []byte("v"))

	if err := c.Remove(context.Background(), k, time.Second); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if _, ok := c.store.readSnapshot(k); ok {
		t.Errorf("expected snapshot removed after Remove")
	}
}

type stubEncrypter struct{}

func (stubEncrypter) Encrypt(keyID string, plaintext []byte) ([]byte, error) {
	return append([]byte("enc:"), plaintext...), nil
}

type stubDecrypter struct{}

func (stubDecrypter) Decrypt(ciphertext []byte) ([]byte, error) {
	return ciphertext[len("enc:"):], nil
}

// TestKMSRoundTripThroughSnapshot covers scenario S5: the snapshot on disk
// holds ciphertext, and Get transparently decrypts it for the caller.
func TestKMSRoundTripThroughSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	host, portStr, _ := strings.Cut(strings.TrimPrefix(srv.URL, "http://"), ":")
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	pool := &serverPool{
		servers:       []ServerEntry{{Host: host, Port: port}},
		everSucceeded: true,
		lastFailure:   make(map[int]time.Time),
	}
	cfg := DefaultConfig()
	cfg.SnapshotBase = t.TempDir()
	cfg.KMSEnabled = true
	cfg.KeyID = "key-1"
	cfg.Encrypter = stubEncrypter{}
	cfg.Decrypter = stubDecrypter{}
	sign := newSigner(cfg)
	httpF := newHTTPFacade(pool, sign, cfg)
	store := newFileStore(cfg)
	kms := newKMSEnvelope(cfg)
	c := newConfigPath(pool, httpF, store, kms, cfg)

	k := NewKey("cipher-secret", "G", "T")
	store.writeSnapshot(k, []byte("enc:plaintext"))

	got, err := c.Get(context.Background(), k, time.Second, false)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(got) != "plaintext" {
		t.Errorf("got %q want plaintext", got)
	}
}

func TestListAllPaginatesAndFilters(t *testing.T) {
	page1 := `{"pageNumber":1,"pagesAvailable":2,"pageItems":[{"dataId":"other.yml","group":"G","content":"1"},{"dataId":"a.yml","group":"OTHER","content":"2"}]}`
	page2 := `{"pageNumber":2,"pagesAvailable":2,"pageItems":[{"dataId":"a.json","group":"G","content":"3"}]}`
	calls := 0
	c, _ := newTestConfigPath(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(page1))
		} else {
			w.Write([]byte(page2))
		}
	})

	items, err := c.ListAll(context.Background(), "T", "G", "a.", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(items) != 1 || items[0].DataID != "a.json" {
		t.Errorf("got %+v, want only a.json after group+prefix filtering", items)
	}
	if calls != 2 {
		t.Errorf("expected 2 page fetches, got %d", calls)
	}
}

// TestListAllCachesSnapshotAndFallsBack exercises the sjson-built snapshot
// cache: a successful ListAll writes it, and a subsequent failure reads it
// back through gjson.
func TestListAllCachesSnapshotAndFallsBack(t *testing.T) {
	up := true
	page := `{"pageNumber":1,"pagesAvailable":1,"pageItems":[{"dataId":"a.yml","group":"G","content":"1"}]}`
	c, _ := newTestConfigPath(t, func(w http.ResponseWriter, r *http.Request) {
		if !up {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(page))
	})

	items, err := c.ListAll(context.Background(), "T", "", "", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(items) != 1 || items[0].DataID != "a.yml" {
		t.Fatalf("got %+v, want one a.yml item", items)
	}

	up = false
	items, err = c.ListAll(context.Background(), "T", "", "", time.Second)
	if err != nil {
		t.Fatalf("expected snapshot fallback, got error: %s", err)
	}
	if len(items) != 1 || items[0].DataID != "a.yml" {
		t.Errorf("got %+v, want cached a.yml item from snapshot fallback", items)
	}
}

func TestMarshalConfigItemsJSON(t *testing.T) {
	items := []ConfigItem{{DataID: "a", Group: "G", Content: "v"}}
	doc, err := MarshalConfigItemsJSON(items)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !strings.Contains(doc, `"dataId":"a"`) {
		t.Errorf("expected dataId field in %s", doc)
	}
}

func asErrNoServerAvailable(err error, target **ErrNoServerAvailable) bool {
	if e, ok := err.(*ErrNoServerAvailable); ok {
		*target = e
		return true
	}
	return false
}
