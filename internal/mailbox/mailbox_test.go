package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/ehrlich-b/wingbridge/internal/auth"
)

type fakeAuth struct {
	mu        sync.Mutex
	token     string
	next      string
	refreshes int
	tokenErr  error
}

func (a *fakeAuth) Token(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token, a.tokenErr
}

func (a *fakeAuth) ForceRefresh(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	if a.next != "" {
		a.token = a.next
	}
	return a.token, nil
}

func (a *fakeAuth) refreshCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes
}

// tree is a tiny JSON-tree mailbox keyed by full path.
type tree struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
}

func newTree() *tree { return &tree{values: make(map[string]json.RawMessage)} }

func (tr *tree) set(path, raw string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.values[path] = json.RawMessage(raw)
}

func (tr *tree) get(path string) (json.RawMessage, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	v, ok := tr.values[path]
	return v, ok
}

func (tr *tree) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json")
	switch r.Method {
	case http.MethodGet:
		v, ok := tr.get(path)
		if !ok {
			w.Write([]byte("null"))
			return
		}
		w.Write(v)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		tr.set(path, string(body))
		w.Write(body)
	case http.MethodDelete:
		tr.mu.Lock()
		delete(tr.values, path)
		tr.mu.Unlock()
		w.Write([]byte("null"))
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc, a Authenticator, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL, a, opts)
	c.retryBase = time.Millisecond
	c.retryMax = 10 * time.Millisecond
	return c
}

func TestPublishAndGet(t *testing.T) {
	tr := newTree()
	var gotAuth atomic.Value
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.URL.Query().Get("auth"))
		tr.serve(w, r)
	}, &fakeAuth{token: "tok"}, Options{})

	ctx := context.Background()
	if err := c.Publish(ctx, "sessions/u1/s1/keys/daemon", "BASE64KEY"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotAuth.Load() != "tok" {
		t.Errorf("auth param = %v", gotAuth.Load())
	}
	raw, _ := tr.get("sessions/u1/s1/keys/daemon")
	if string(raw) != `"BASE64KEY"` {
		t.Errorf("stored = %s", raw)
	}

	var got string
	if err := c.Get(ctx, "/sessions/u1/s1/keys/daemon/", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "BASE64KEY" {
		t.Errorf("Get = %q", got)
	}

	if err := c.Delete(ctx, "sessions/u1/s1/keys/daemon"); err != nil {
		t.Fatal(err)
	}
	var missing *string
	if err := c.Get(ctx, "sessions/u1/s1/keys/daemon", &missing); err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("deleted path read back %q", *missing)
	}
}

func TestUnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	tr := newTree()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("auth") != "fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		tr.serve(w, r)
	}, &fakeAuth{token: "stale", next: "fresh"}, Options{})

	a := c.auth.(*fakeAuth)
	if err := c.Publish(context.Background(), "presence/u1", map[string]bool{"online": true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if a.refreshCount() != 1 {
		t.Errorf("refreshes = %d, want 1", a.refreshCount())
	}
	if calls.Load() != 2 {
		t.Errorf("requests = %d, want 2", calls.Load())
	}
}

func TestSecondUnauthorizedIsFatal(t *testing.T) {
	var calls atomic.Int32
	a := &fakeAuth{token: "stale", next: "still-bad"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, a, Options{})

	err := c.Publish(context.Background(), "presence/u1", true)
	var ae *auth.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *auth.AuthError", err)
	}
	if ae.Retryable || !IsFatal(err) {
		t.Error("second denial must be fatal")
	}
	if a.refreshCount() != 1 {
		t.Errorf("refreshes = %d, want exactly 1", a.refreshCount())
	}
	if calls.Load() != 2 {
		t.Errorf("requests = %d, want exactly 2", calls.Load())
	}
}

func TestPublishRetriesConnectivity(t *testing.T) {
	tr := newTree()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		tr.serve(w, r)
	}, &fakeAuth{token: "tok"}, Options{})

	if err := c.Publish(context.Background(), "a/b", 1); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if calls.Load() != 4 {
		t.Errorf("requests = %d, want 4", calls.Load())
	}
	if raw, _ := tr.get("a/b"); string(raw) != "1" {
		t.Errorf("stored = %s", raw)
	}
}

func TestPublishGivesUpWhenContextEnds(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, &fakeAuth{token: "tok"}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Publish(ctx, "a/b", 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"Invalid data"}`, http.StatusBadRequest)
	}, &fakeAuth{token: "tok"}, Options{})

	err := c.Publish(context.Background(), "a/b", 1)
	if err == nil || IsConnectivity(err) || IsFatal(err) {
		t.Fatalf("err = %v, want plain request error", err)
	}
	if calls.Load() != 1 {
		t.Errorf("requests = %d, want 1", calls.Load())
	}
}

func TestPollResumesAfterOutage(t *testing.T) {
	tr := newTree()
	tr.set("sessions/u1", `{"s1":{"messages":{"m1":{"status":"pending"}}}}`)
	var down atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		tr.serve(w, r)
	}, &fakeAuth{token: "tok"}, Options{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []Change
	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(ctx, "sessions/u1", func(ch Change) {
			mu.Lock()
			got = append(got, ch)
			n := len(got)
			mu.Unlock()
			switch n {
			case 1:
				// Outage, then a new message appears while we're away.
				down.Store(true)
				tr.set("sessions/u1", `{"s1":{"messages":{"m1":{"status":"pending"},"m2":{"status":"pending"}}}}`)
				go func() {
					time.Sleep(30 * time.Millisecond)
					down.Store(false)
				}()
			case 2:
				cancel()
			}
		})
	}()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Subscribe err = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("got %d changes, want 2", len(got))
	}
	for _, ch := range got {
		if !ch.IsSnapshot() {
			t.Errorf("poll change path = %q, want snapshot", ch.Path)
		}
	}
	if !strings.Contains(string(got[1].Data), "m2") {
		t.Errorf("resumed snapshot missing new message: %s", got[1].Data)
	}
}

func TestPollUnchangedSnapshotNotRedelivered(t *testing.T) {
	tr := newTree()
	tr.set("p", `{"x":1}`)
	var gets atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gets.Add(1)
		tr.serve(w, r)
	}, &fakeAuth{token: "tok"}, Options{PollInterval: 2 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	var changes atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(ctx, "p", func(Change) { changes.Add(1) })
	}()
	for gets.Load() < 10 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if changes.Load() != 1 {
		t.Errorf("changes = %d, want 1", changes.Load())
	}
}

func TestPollFatalAuthEndsSubscription(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}, &fakeAuth{token: "tok"}, Options{PollInterval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Subscribe(ctx, "p", func(Change) { t.Error("unexpected change") })
	if !IsFatal(err) {
		t.Fatalf("err = %v, want fatal auth error", err)
	}
}

func TestStreamSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("path") != "sessions/u1" {
			t.Errorf("watch path = %q", r.URL.Query().Get("path"))
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"put","path":"/","data":{"s1":{}}}`))
		conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"put","path":"/s1/keys/browser","data":"KEY"}`))
		conn.Read(r.Context())
	}))
	defer srv.Close()

	c := New("http://unused", &fakeAuth{token: "tok"}, Options{
		Transport: "stream",
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []Change
	err := c.Subscribe(ctx, "sessions/u1", func(ch Change) {
		got = append(got, ch)
		if len(got) == 2 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Subscribe err = %v", err)
	}
	if !got[0].IsSnapshot() || got[1].Path != "/s1/keys/browser" || string(got[1].Data) != `"KEY"` {
		t.Errorf("changes = %+v", got)
	}
}

func TestStreamRevokedCredentialEndsSubscription(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := &fakeAuth{tokenErr: &auth.AuthError{Op: "refresh", Status: 400, Message: "TOKEN_EXPIRED"}}
	c := New("http://unused", a, Options{
		Transport: "stream",
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Subscribe(ctx, "sessions/u1", func(Change) { t.Error("unexpected change") })
	if !IsFatal(err) {
		t.Fatalf("err = %v, want fatal auth error", err)
	}
	if dials.Load() != 0 {
		t.Errorf("dialed %d times with a revoked credential", dials.Load())
	}
}
