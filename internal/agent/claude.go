package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotConfigured means no usable claude binary is configured. Returned
// before anything is spawned.
var ErrNotConfigured = errors.New("claude binary not configured")

// SpawnError is a run that could not start or exited non-zero.
type SpawnError struct {
	Binary     string
	ExitCode   int    // 0 when the process never started
	Diagnostic string // stdout text, else stderr, else "exited with code N"
	Err        error
}

func (e *SpawnError) Error() string {
	if e.ExitCode != 0 {
		return e.Diagnostic
	}
	return fmt.Sprintf("start %s: %v", filepath.Base(e.Binary), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Config selects the binary and how it is invoked.
type Config struct {
	BinaryPath string
	Continue   bool // pass --continue so prompts extend the last conversation
	StreamJSON bool // --output-format stream-json, chunks as they arrive
}

// Invocation is one prompt to run.
type Invocation struct {
	Prompt  string
	WorkDir string
	Env     map[string]string // applied after the inherited environment
}

// Runner spawns the claude CLI non-interactively. Safe for concurrent use;
// every Run is its own process.
type Runner struct {
	mu     sync.RWMutex
	cfg    Config
	Logger *slog.Logger
}

func NewRunner(cfg Config) *Runner {
	return &Runner{cfg: cfg}
}

// SetConfig swaps the configuration for subsequent runs.
func (r *Runner) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Runner) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Args builds the command line for a prompt.
func (c Config) Args(prompt string) []string {
	args := []string{"-p"}
	if c.Continue {
		args = append(args, "--continue")
	}
	args = append(args, "--dangerously-skip-permissions")
	if c.StreamJSON {
		args = append(args, "--output-format", "stream-json", "--verbose")
	}
	return append(args, prompt)
}

// Run starts the binary for inv and returns its output stream. The returned
// error is only for failures before the process exists; everything after
// arrives through Stream.Err.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Stream, error) {
	cfg := r.Config()
	if cfg.BinaryPath == "" {
		return nil, ErrNotConfigured
	}
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, cfg.BinaryPath)
	}

	cmd := exec.CommandContext(ctx, cfg.BinaryPath, cfg.Args(inv.Prompt)...)
	cmd.Dir = inv.WorkDir
	cmd.Env = BuildEnv(os.Environ(), inv.Env)
	cmd.Stdin = nil // /dev/null
	var stderr bytes.Buffer
	cmd.Stderr = &limitWriter{w: &stderr, n: 64 << 10}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Binary: cfg.BinaryPath, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Binary: cfg.BinaryPath, Err: err}
	}
	r.logger().Debug("claude started", "pid", cmd.Process.Pid, "dir", inv.WorkDir, "stream_json", cfg.StreamJSON)

	stream := newStream(ctx)
	go func() {
		var out strings.Builder
		emit := func(text string) {
			out.WriteString(text)
			stream.send(Chunk{Text: text})
		}

		if cfg.StreamJSON {
			scanner := bufio.NewScanner(stdout)
			scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
			for scanner.Scan() {
				if text, ok := parseStreamEvent(scanner.Text()); ok {
					emit(text)
				}
			}
		} else {
			rd := bufio.NewReader(stdout)
			for {
				line, err := rd.ReadString('\n')
				if line != "" {
					emit(line)
				}
				if err != nil {
					break
				}
			}
		}
		// Drain anything left so Wait doesn't block on a full pipe.
		io.Copy(io.Discard, stdout)

		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = &SpawnError{
				Binary:     cfg.BinaryPath,
				ExitCode:   exitErr.ExitCode(),
				Diagnostic: diagnostic(out.String(), stderr.String(), exitErr.ExitCode()),
				Err:        err,
			}
		}
		stream.close(err)
	}()

	return stream, nil
}

func diagnostic(stdout, stderr string, code int) string {
	if s := strings.TrimSpace(stdout); s != "" {
		return s
	}
	if s := strings.TrimSpace(stderr); s != "" {
		return s
	}
	return fmt.Sprintf("exited with code %d", code)
}

// BuildEnv returns base minus the nested-session marker, with PATH extended
// by the usual install locations, TERM set, then overrides applied.
func BuildEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides)+2)
	path := ""
	for _, kv := range base {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "CLAUDECODE", "TERM":
			continue
		case "PATH":
			path = v
			continue
		}
		if _, ok := overrides[k]; ok {
			continue
		}
		env = append(env, kv)
	}

	dirs := filepath.SplitList(path)
	for _, d := range extraPathDirs() {
		if !containsStr(dirs, d) {
			dirs = append(dirs, d)
		}
	}
	env = append(env, "PATH="+strings.Join(dirs, string(os.PathListSeparator)))
	env = append(env, "TERM=xterm-256color")
	for k, v := range overrides {
		if k == "PATH" || k == "TERM" {
			env = replaceEnv(env, k, v)
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

func extraPathDirs() []string {
	dirs := []string{"/usr/local/bin", "/opt/homebrew/bin", "/usr/bin", "/bin"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append([]string{filepath.Join(home, ".local", "bin"), filepath.Join(home, ".claude", "local")}, dirs...)
	}
	return dirs
}

func replaceEnv(env []string, key, val string) []string {
	for i, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			env[i] = key + "=" + val
			return env
		}
	}
	return append(env, key+"="+val)
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// limitWriter keeps the first n bytes and silently drops the rest.
type limitWriter struct {
	w io.Writer
	n int
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	q := p
	if len(q) > l.n {
		q = q[:l.n]
	}
	n, err := l.w.Write(q)
	l.n -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// Detect looks for the claude binary in the usual install locations under
// home, then on PATH.
func Detect(home string) (string, error) {
	candidates := []string{
		filepath.Join(home, ".claude", "local", "claude"),
		filepath.Join(home, ".local", "bin", "claude"),
		"/usr/local/bin/claude",
		"/opt/homebrew/bin/claude",
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return p, nil
		}
	}
	if p, err := exec.LookPath("claude"); err == nil {
		return p, nil
	}
	return "", ErrNotConfigured
}

type streamEvent struct {
	Type    string       `json:"type"`
	Message *messageBody `json:"message,omitempty"`
	Delta   *deltaBody   `json:"delta,omitempty"`
}

type messageBody struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type deltaBody struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func parseStreamEvent(line string) (string, bool) {
	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return "", false
	}
	switch ev.Type {
	case "assistant":
		if ev.Message != nil {
			for _, block := range ev.Message.Content {
				if block.Type == "text" && block.Text != "" {
					return block.Text, true
				}
			}
		}
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			return ev.Delta.Text, true
		}
	}
	return "", false
}
