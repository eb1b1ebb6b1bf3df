// Package update checks the release manifest and replaces the running
// binary.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Manifest is the release document at the update URL.
type Manifest struct {
	Version string            `json:"version"`
	Notes   string            `json:"notes"`
	Assets  map[string]string `json:"assets"` // "linux-amd64" → download URL
}

// Release is a manifest newer than the running version.
type Release struct {
	Version string
	Notes   string
	URL     string // asset for this platform; empty when none is published
}

var ErrNoAsset = errors.New("no binary for this platform")

// Platform is the asset key for the running binary.
func Platform() string { return runtime.GOOS + "-" + runtime.GOARCH }

// Check fetches the manifest and returns the release when it is newer than
// current, or nil when current is up to date.
func Check(ctx context.Context, client *http.Client, manifestURL, current string) (*Release, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, "GET", manifestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: %s", resp.Status)
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version == "" {
		return nil, errors.New("parse manifest: missing version")
	}
	if !Newer(m.Version, current) {
		return nil, nil
	}
	return &Release{Version: m.Version, Notes: m.Notes, URL: m.Assets[Platform()]}, nil
}

// Newer reports whether version a is greater than b. Versions are dotted
// numbers with an optional leading "v"; a pre-release suffix after "-" sorts
// below the same release. Unparseable components compare as zero.
func Newer(a, b string) bool {
	return compare(a, b) > 0
}

func compare(a, b string) int {
	an, apre := split(a)
	bn, bpre := split(b)
	for i := 0; i < max(len(an), len(bn)); i++ {
		var x, y int
		if i < len(an) {
			x = an[i]
		}
		if i < len(bn) {
			y = bn[i]
		}
		if x != y {
			if x > y {
				return 1
			}
			return -1
		}
	}
	switch {
	case apre == bpre:
		return 0
	case apre == "":
		return 1
	case bpre == "":
		return -1
	}
	return strings.Compare(apre, bpre)
}

func split(v string) ([]int, string) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	var pre string
	if i := strings.IndexByte(v, '-'); i >= 0 {
		v, pre = v[:i], v[i+1:]
	}
	var nums []int
	for _, p := range strings.Split(v, ".") {
		n, _ := strconv.Atoi(p)
		nums = append(nums, n)
	}
	return nums, pre
}

// Install downloads the release binary and atomically replaces the file at
// exe with it.
func Install(ctx context.Context, client *http.Client, rel *Release, exe string) error {
	if rel.URL == "" {
		return fmt.Errorf("%w (%s) in %s", ErrNoAsset, Platform(), rel.Version)
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, "GET", rel.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	tmp := exe + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write binary: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write binary: %w", err)
	}
	if err := os.Rename(tmp, exe); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace binary: %w", err)
	}
	return nil
}

// Loop checks for updates every interval, the first after delay, and logs
// what it finds. It never installs.
func Loop(ctx context.Context, manifestURL, current string, delay, interval time.Duration, logger *slog.Logger) {
	if manifestURL == "" {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		rel, err := Check(ctx, nil, manifestURL, current)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				logger.Debug("update check failed", "err", err)
			}
		case rel != nil:
			logger.Info("update available", "current", current, "latest", rel.Version, "hint", "run `wb update`")
		}
		timer.Reset(interval)
	}
}
