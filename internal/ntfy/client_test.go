package ntfy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestNewBareTopic(t *testing.T) {
	c := New("my-secret-topic", "", quiet())
	if c.url != "https://ntfy.sh/my-secret-topic" {
		t.Fatalf("got %q", c.url)
	}
}

func TestNewFullURL(t *testing.T) {
	c := New("https://ntfy.example.com/mytopic", "tok123", nil)
	if c.url != "https://ntfy.example.com/mytopic" {
		t.Fatalf("got %q", c.url)
	}
	if c.token != "tok123" {
		t.Fatalf("got token %q", c.token)
	}
}

type captured struct {
	title, body, priority, tags, auth string
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, captured{
			title:    r.Header.Get("Title"),
			body:     string(body),
			priority: r.Header.Get("Priority"),
			tags:     r.Header.Get("Tags"),
			auth:     r.Header.Get("Authorization"),
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), got...)
	}
}

func TestSendJobFinished(t *testing.T) {
	tests := []struct {
		ok       bool
		title    string
		priority string
		tags     string
	}{
		{true, "Claude finished", "default", "white_check_mark"},
		{false, "Claude failed", "high", "x"},
	}
	for _, tt := range tests {
		srv, got := captureServer(t, 200)
		c := New(srv.URL, "mytoken", quiet())
		if err := c.SendJobFinished("s1", tt.ok); err != nil {
			t.Fatalf("send: %v", err)
		}
		reqs := got()
		if len(reqs) != 1 {
			t.Fatalf("requests = %d", len(reqs))
		}
		r := reqs[0]
		if r.title != tt.title || r.priority != tt.priority || r.tags != tt.tags {
			t.Errorf("ok=%v: got %+v", tt.ok, r)
		}
		if r.body != "session s1" {
			t.Errorf("body = %q", r.body)
		}
		if r.auth != "Bearer mytoken" {
			t.Errorf("auth = %q", r.auth)
		}
	}
}

func TestJobFinishedInBackground(t *testing.T) {
	srv, got := captureServer(t, 200)
	c := New(srv.URL, "", quiet())
	c.JobFinished("s1", true)
	c.JobFinished("s2", false)
	c.Wait()
	if n := len(got()); n != 2 {
		t.Fatalf("requests = %d, want 2", n)
	}
}

func TestJobFinishedSwallowsErrors(t *testing.T) {
	srv, got := captureServer(t, 500)
	c := New(srv.URL, "", quiet())
	c.JobFinished("s1", true)
	c.Wait()
	if len(got()) != 1 {
		t.Fatal("notification not attempted")
	}
}

func TestSendTestSync(t *testing.T) {
	srv, got := captureServer(t, 200)
	c := New(srv.URL, "", quiet())
	if err := c.SendTest(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reqs := got(); reqs[0].title != "wingbridge test" {
		t.Fatalf("title = %q", reqs[0].title)
	}
}

func TestSendTestHTTPError(t *testing.T) {
	srv, _ := captureServer(t, 403)
	c := New(srv.URL, "", quiet())
	err := c.SendTest()
	if err == nil {
		t.Fatal("expected error for 403")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Fatalf("error = %q", err)
	}
}

func TestNoAuthHeaderWithoutToken(t *testing.T) {
	srv, got := captureServer(t, 200)
	c := New(srv.URL, "", quiet())
	c.SendTest()
	if a := got()[0].auth; a != "" {
		t.Fatalf("expected no auth header, got %q", a)
	}
}
