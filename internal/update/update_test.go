package update

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestNewer(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.2.0", "1.1.9", true},
		{"v1.10.0", "v1.9.0", true},
		{"1.2", "1.2.0", false},
		{"1.2.1", "1.2", true},
		{"1.2.0", "1.2.0", false},
		{"1.2.0", "1.3.0", false},
		{"2.0.0", "2.0.0-rc1", true},
		{"2.0.0-rc2", "2.0.0-rc1", true},
		{"2.0.0-rc1", "2.0.0", false},
		{"1.0.0", "dev", true},
	}
	for _, tt := range tests {
		if got := Newer(tt.a, tt.b); got != tt.want {
			t.Errorf("Newer(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func manifestServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bin" {
			w.Write([]byte("#!/bin/sh\necho new\n"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckNewer(t *testing.T) {
	srv := manifestServer(t, `{"version":"1.4.0","notes":"faster","assets":{"`+Platform()+`":"https://dl/wb"}}`)
	rel, err := Check(context.Background(), srv.Client(), srv.URL+"/manifest.json", "1.3.2")
	if err != nil {
		t.Fatal(err)
	}
	if rel == nil || rel.Version != "1.4.0" || rel.Notes != "faster" || rel.URL != "https://dl/wb" {
		t.Fatalf("release = %+v", rel)
	}
}

func TestCheckUpToDate(t *testing.T) {
	srv := manifestServer(t, `{"version":"1.3.2","assets":{}}`)
	rel, err := Check(context.Background(), srv.Client(), srv.URL, "v1.3.2")
	if err != nil {
		t.Fatal(err)
	}
	if rel != nil {
		t.Fatalf("release = %+v, want nil", rel)
	}
}

func TestCheckErrors(t *testing.T) {
	srv := manifestServer(t, `{"notes":"no version"}`)
	if _, err := Check(context.Background(), srv.Client(), srv.URL, "1.0.0"); err == nil {
		t.Error("expected error for manifest without version")
	}

	gone := httptest.NewServer(http.NotFoundHandler())
	defer gone.Close()
	if _, err := Check(context.Background(), gone.Client(), gone.URL, "1.0.0"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestInstallReplacesBinary(t *testing.T) {
	srv := manifestServer(t, `{}`)
	exe := filepath.Join(t.TempDir(), "wb")
	os.WriteFile(exe, []byte("old"), 0755)

	err := Install(context.Background(), srv.Client(), &Release{Version: "2.0.0", URL: srv.URL + "/bin"}, exe)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(exe)
	if string(data) != "#!/bin/sh\necho new\n" {
		t.Errorf("binary = %q", data)
	}
	if _, err := os.Stat(exe + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestInstallWithoutAsset(t *testing.T) {
	err := Install(context.Background(), nil, &Release{Version: "2.0.0"}, filepath.Join(t.TempDir(), "wb"))
	if !errors.Is(err, ErrNoAsset) {
		t.Fatalf("err = %v, want ErrNoAsset", err)
	}
}
