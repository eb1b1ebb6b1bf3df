package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/wingbridge/internal/agent"
	"github.com/ehrlich-b/wingbridge/internal/e2e"
	"github.com/ehrlich-b/wingbridge/internal/mailbox"
	"github.com/ehrlich-b/wingbridge/internal/store"
)

// Mailbox is the part of the mailbox client the daemon uses.
type Mailbox interface {
	Publish(ctx context.Context, path string, value any) error
	Subscribe(ctx context.Context, prefix string, onChange func(mailbox.Change)) error
}

// Runner executes one decrypted prompt.
type Runner interface {
	Run(ctx context.Context, inv agent.Invocation) (*agent.Stream, error)
}

// Notifier hears about finished jobs. Implementations must not block.
type Notifier interface {
	JobFinished(sessionID string, ok bool)
}

// State is where a request is in its lifecycle.
type State int

const (
	StatePending State = iota
	StateDecrypting
	StateDispatched
	StateStreaming
	StateDone
	StateFailed
)

func (s State) String() string {
	return [...]string{"pending", "decrypting", "dispatched", "streaming", "done", "failed"}[s]
}

func (s State) terminal() bool { return s == StateDone || s == StateFailed }

// Options configures a Daemon. UID, Mailbox, Runner and Ledger are required.
type Options struct {
	UID      string
	Mailbox  Mailbox
	Runner   Runner
	Ledger   *store.Store
	Notifier Notifier
	Logger   *slog.Logger

	WorkDir      string
	StreamOutput bool

	MaxDecryptAttempts int           // default 30
	MaxConcurrentJobs  int           // default 4
	IdleTTL            time.Duration // default 12h
	RetryInterval      time.Duration // how often stalled requests are observed again; default 2s
	StreamInterval     time.Duration // minimum gap between partial publishes; default 1s
}

// RunnerConfig is the part of the configuration that can change while the
// daemon runs. It applies to jobs dispatched after the change.
type RunnerConfig struct {
	WorkDir      string
	StreamOutput bool
	Agent        agent.Config
}

type msgState struct {
	state    State
	attempts int
	lastTick int
	remarked bool
}

// Daemon relays encrypted requests from the mailbox to the runner and
// publishes encrypted responses. All session and message state is owned by
// the goroutine running Run; jobs report back over a channel.
type Daemon struct {
	uid      string
	mbox     Mailbox
	runner   Runner
	ledger   *store.Store
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time

	maxAttempts    int
	maxJobs        int
	idleTTL        time.Duration
	retryInterval  time.Duration
	streamInterval time.Duration

	cfgMu        sync.RWMutex
	workDir      string
	streamOutput bool

	// owned by the Run goroutine
	keyring  *e2e.Keyring
	sessions map[string]*sessionView
	msgs     map[string]map[string]*msgState
	live     map[string]string // session → request with a job in flight
	sentKey  map[string]string // session → daemon public key last published
	observed map[string]string // session → browser key handed to the keyring
	dormant  map[string]string // session → browser key at idle expiry
	badKey   map[string]string
	running  int
	tick     int

	busy   atomic.Int32
	events chan any
	wg     sync.WaitGroup
}

func New(opts Options) (*Daemon, error) {
	switch {
	case opts.UID == "":
		return nil, errors.New("daemon: uid is required")
	case opts.Mailbox == nil:
		return nil, errors.New("daemon: mailbox is required")
	case opts.Runner == nil:
		return nil, errors.New("daemon: runner is required")
	case opts.Ledger == nil:
		return nil, errors.New("daemon: ledger is required")
	}
	d := &Daemon{
		uid:            opts.UID,
		mbox:           opts.Mailbox,
		runner:         opts.Runner,
		ledger:         opts.Ledger,
		notifier:       opts.Notifier,
		log:            opts.Logger,
		now:            time.Now,
		maxAttempts:    opts.MaxDecryptAttempts,
		maxJobs:        opts.MaxConcurrentJobs,
		idleTTL:        opts.IdleTTL,
		retryInterval:  opts.RetryInterval,
		streamInterval: opts.StreamInterval,
		workDir:        opts.WorkDir,
		streamOutput:   opts.StreamOutput,
		keyring:        e2e.NewKeyring(),
		sessions:       make(map[string]*sessionView),
		msgs:           make(map[string]map[string]*msgState),
		live:           make(map[string]string),
		sentKey:        make(map[string]string),
		observed:       make(map[string]string),
		dormant:        make(map[string]string),
		badKey:         make(map[string]string),
		events:         make(chan any),
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 30
	}
	if d.maxJobs <= 0 {
		d.maxJobs = 4
	}
	if d.idleTTL <= 0 {
		d.idleTTL = 12 * time.Hour
	}
	if d.retryInterval <= 0 {
		d.retryInterval = 2 * time.Second
	}
	if d.streamInterval <= 0 {
		d.streamInterval = time.Second
	}
	return d, nil
}

// SetRunnerConfig applies a reloaded configuration to subsequent jobs.
func (d *Daemon) SetRunnerConfig(rc RunnerConfig) {
	d.cfgMu.Lock()
	d.workDir = rc.WorkDir
	d.streamOutput = rc.StreamOutput
	d.cfgMu.Unlock()
	if r, ok := d.runner.(interface{ SetConfig(agent.Config) }); ok {
		r.SetConfig(rc.Agent)
	}
}

func (d *Daemon) runnerConfig() (workDir string, stream bool) {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.workDir, d.streamOutput
}

// Status is "busy" while any job runs, else "idle".
func (d *Daemon) Status() string {
	if d.busy.Load() > 0 {
		return "busy"
	}
	return "idle"
}

// Run subscribes to the user's sessions and processes requests until ctx is
// cancelled or a fatal error occurs (credential rejected, ledger unusable).
// It waits for in-flight jobs before returning.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		d.wg.Wait()
	}()

	changes := make(chan mailbox.Change, 64)
	subDone := make(chan error, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		subDone <- d.mbox.Subscribe(ctx, sessionsPrefix(d.uid), func(ch mailbox.Change) {
			select {
			case changes <- ch:
			case <-ctx.Done():
			}
		})
	}()

	retry := time.NewTicker(d.retryInterval)
	defer retry.Stop()
	expire := time.NewTicker(expiryInterval(d.idleTTL))
	defer expire.Stop()

	d.log.Info("relay daemon started", "uid", d.uid, "max_jobs", d.maxJobs)
	for {
		var err error
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch := <-changes:
			err = d.handleChange(ctx, ch)
		case ev := <-d.events:
			err = d.handleEvent(ctx, ev)
		case err := <-subDone:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == nil {
				err = errors.New("subscription ended")
			}
			return fmt.Errorf("mailbox subscription: %w", err)
		case <-retry.C:
			d.tick++
			err = d.reconcileAll(ctx)
		case <-expire.C:
			d.expireIdle()
		}
		if err != nil {
			return err
		}
	}
}

func expiryInterval(ttl time.Duration) time.Duration {
	iv := ttl / 4
	if iv > time.Minute {
		iv = time.Minute
	}
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	return iv
}

func (d *Daemon) handleChange(ctx context.Context, ch mailbox.Change) error {
	n := classify(ch)
	d.log.Debug("mailbox change", "note", n.kind, "session", n.session, "message", n.message)

	switch n.kind {
	case noteSnapshot:
		var all map[string]json.RawMessage
		if !isNull(n.data) {
			if err := json.Unmarshal(n.data, &all); err != nil {
				d.log.Warn("bad snapshot", "err", err)
				return nil
			}
		}
		for sid, raw := range all {
			d.replaceSession(sid, raw)
		}
		for sid := range d.sessions {
			if _, ok := all[sid]; !ok {
				d.removeSession(sid)
			}
		}
		return d.reconcileAll(ctx)

	case noteSession:
		d.replaceSession(n.session, n.data)
		return d.reconcile(ctx, n.session)

	case noteSessionRemoved:
		d.removeSession(n.session)
		return nil

	case noteKey:
		v := d.view(n.session)
		if n.peer == "" {
			v.keys = map[string]string{}
			var keys map[string]json.RawMessage
			if err := json.Unmarshal(n.data, &keys); err != nil {
				d.log.Warn("bad keys record", "session", n.session, "err", err)
			}
			for peer, raw := range keys {
				var s string
				if json.Unmarshal(raw, &s) == nil {
					v.keys[peer] = s
				}
			}
		} else if isNull(n.data) {
			delete(v.keys, n.peer)
		} else {
			var s string
			if err := json.Unmarshal(n.data, &s); err != nil {
				d.log.Warn("bad key record", "session", n.session, "peer", n.peer, "err", err)
				return nil
			}
			v.keys[n.peer] = s
		}
		return d.reconcile(ctx, n.session)

	case noteRequest, noteResponseEcho:
		v := d.view(n.session)
		if n.message == "" {
			parsed, errs := parseSession(wrapMessages(n.data))
			for _, err := range errs {
				d.log.Warn("bad message record", "session", n.session, "err", err)
			}
			if parsed != nil {
				v.messages = parsed.messages
			}
		} else {
			m, err := parseMessage(n.data)
			if err != nil {
				d.log.Warn("bad message record", "session", n.session, "message", n.message, "err", err)
				return nil
			}
			if m == nil {
				delete(v.messages, n.message)
			} else {
				v.messages[n.message] = m
			}
		}
		if n.kind == noteResponseEcho {
			return nil
		}
		return d.reconcile(ctx, n.session)

	case noteStatusEcho:
		v := d.view(n.session)
		m, err := patchMessage(v.messages[n.message], n.field, n.data)
		if err != nil {
			d.log.Warn("bad field update", "session", n.session, "message", n.message, "field", n.field, "err", err)
			return nil
		}
		v.messages[n.message] = m
		return d.reconcile(ctx, n.session)
	}
	return nil
}

func wrapMessages(raw json.RawMessage) json.RawMessage {
	if isNull(raw) {
		return json.RawMessage(`{}`)
	}
	out, _ := json.Marshal(map[string]json.RawMessage{"messages": raw})
	return out
}

func (d *Daemon) view(sid string) *sessionView {
	v, ok := d.sessions[sid]
	if !ok {
		v = newSessionView()
		d.sessions[sid] = v
	}
	return v
}

func (d *Daemon) replaceSession(sid string, raw json.RawMessage) {
	if isNull(raw) {
		d.removeSession(sid)
		return
	}
	v, errs := parseSession(raw)
	for _, err := range errs {
		d.log.Warn("bad session record", "session", sid, "err", err)
	}
	if v == nil {
		return
	}
	d.sessions[sid] = v
}

// removeSession discards everything known about a session. A job still in
// flight finishes and publishes into the void.
func (d *Daemon) removeSession(sid string) {
	if _, ok := d.sessions[sid]; !ok && d.keyring.State(sid) == e2e.StateUnknown {
		return
	}
	delete(d.sessions, sid)
	d.keyring.Forget(sid)
	delete(d.msgs, sid)
	delete(d.sentKey, sid)
	delete(d.observed, sid)
	delete(d.dormant, sid)
	delete(d.badKey, sid)
	if _, err := d.ledger.ForgetSession(sid); err != nil {
		d.log.Warn("forget session in ledger", "session", sid, "err", err)
	}
	d.log.Info("session removed", "session", sid)
}

func (d *Daemon) reconcileAll(ctx context.Context) error {
	ids := make([]string, 0, len(d.sessions))
	for sid := range d.sessions {
		ids = append(ids, sid)
	}
	sort.Strings(ids)
	for _, sid := range ids {
		if err := d.reconcile(ctx, sid); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) reconcile(ctx context.Context, sid string) error {
	v, ok := d.sessions[sid]
	if !ok {
		return nil
	}
	if !d.setupKeys(ctx, sid, v) {
		return nil
	}
	return d.advance(ctx, sid, v)
}

// setupKeys feeds the browser key to the keyring and publishes ours when the
// mailbox doesn't have it. Returns false for dormant sessions.
func (d *Daemon) setupKeys(ctx context.Context, sid string, v *sessionView) bool {
	browser := v.keys["browser"]
	if k, ok := d.dormant[sid]; ok {
		if k == browser && !d.hasOpenRequests(sid, v) {
			return false
		}
		delete(d.dormant, sid)
	}

	if browser != "" && (d.observed[sid] != browser || d.keyring.State(sid) == e2e.StateUnknown) && d.badKey[sid] != browser {
		raw, err := e2e.DecodePublicKey(browser)
		if err == nil {
			_, err = d.keyring.ObserveRemotePublicKey(sid, raw)
		}
		if err != nil {
			d.badKey[sid] = browser
			d.log.Warn("ignoring invalid browser key", "session", sid, "err", err)
		} else {
			d.observed[sid] = browser
			d.log.Info("browser key observed", "session", sid)
		}
	}

	pub, _, err := d.keyring.EnsureLocalKeypair(sid)
	if err != nil {
		d.log.Error("generate session key", "session", sid, "err", err)
		return true
	}
	enc := e2e.EncodePublicKey(pub)
	if v.keys["daemon"] != enc && d.sentKey[sid] != enc {
		d.sentKey[sid] = enc
		d.publishKey(ctx, sid, enc)
	}
	return true
}

func (d *Daemon) hasOpenRequests(sid string, v *sessionView) bool {
	for mid, m := range v.messages {
		if m.Role != RoleUser || (m.Status != StatusPending && m.Status != StatusProcessing) {
			continue
		}
		if st := d.msgs[sid][mid]; st == nil || !st.state.terminal() {
			return true
		}
	}
	return false
}

// advance moves the session's oldest open request forward. Requests run one
// at a time per session, in id order.
func (d *Daemon) advance(ctx context.Context, sid string, v *sessionView) error {
	states := d.msgs[sid]
	if states == nil {
		states = make(map[string]*msgState)
		d.msgs[sid] = states
	}
	for mid := range states {
		if _, ok := v.messages[mid]; !ok && d.live[sid] != mid {
			delete(states, mid)
		}
	}

	ids := make([]string, 0, len(v.messages))
	for mid, m := range v.messages {
		if m.Role == RoleUser {
			ids = append(ids, mid)
		}
	}
	sort.Strings(ids)

	for _, mid := range ids {
		m := v.messages[mid]
		open := m.Status == StatusPending || m.Status == StatusProcessing
		st := states[mid]
		if st == nil {
			if !open {
				continue
			}
			var err error
			if st, err = d.loadState(sid, mid); err != nil {
				return err
			}
			states[mid] = st
		}

		switch st.state {
		case StateDone, StateFailed:
			if open && !st.remarked {
				st.remarked = true
				d.remark(ctx, sid, mid, st.state)
			}
			continue
		case StateDispatched, StateStreaming:
			return nil
		}
		if !open {
			continue
		}
		if _, busy := d.live[sid]; busy || d.running >= d.maxJobs {
			return nil
		}
		d.tryDispatch(ctx, sid, mid, m, st)
		return nil
	}
	return nil
}

func (d *Daemon) loadState(sid, mid string) (*msgState, error) {
	st := &msgState{state: StatePending, lastTick: -1}
	e, err := d.ledger.Terminal(sid, mid)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if e != nil {
		st.state = StateDone
		if e.Status == store.StatusError {
			st.state = StateFailed
		}
		d.log.Debug("request already finished", "session", sid, "message", mid, "status", e.Status)
	}
	return st, nil
}

const (
	msgNotEncrypted     = "This request was not encrypted and was not run."
	msgNoSharedKey      = "The daemon could not decrypt this request: no shared key for this session. Reconnect the client to pair again."
	msgDecryptFailed    = "The daemon could not decrypt this request."
	msgNotConfigured    = "The claude CLI was not found. Run `wb detect` or set claude_path with `wb config --claude-path`."
	msgEncryptFailure   = "The daemon could not encrypt the response."
	msgResponseRejected = "The response could not be stored in the mailbox."
)

func (d *Daemon) tryDispatch(ctx context.Context, sid, mid string, m *Message, st *msgState) {
	if st.attempts > 0 && st.lastTick == d.tick {
		return
	}
	st.state = StateDecrypting

	if !m.Encrypted {
		key, err := d.keyring.DeriveSharedKey(sid)
		d.start(ctx, &job{session: sid, message: mid, key: key, failure: msgNotEncrypted, plain: err != nil, detail: "not encrypted"}, st)
		return
	}

	key, err := d.keyring.DeriveSharedKey(sid)
	var prompt string
	if err == nil {
		prompt, err = e2e.DecryptString(m.Ciphertext, m.Nonce, key)
	}
	if err != nil {
		st.attempts++
		st.lastTick = d.tick
		st.state = StatePending
		d.log.Debug("request not decryptable yet", "session", sid, "message", mid, "attempt", st.attempts, "err", err)
		if st.attempts < d.maxAttempts {
			return
		}
		d.log.Warn("giving up on request", "session", sid, "message", mid, "attempts", st.attempts, "err", err)
		if errors.Is(err, e2e.ErrKeyAgreementPending) {
			d.start(ctx, &job{session: sid, message: mid, failure: msgNoSharedKey, plain: true, detail: "no shared key"}, st)
		} else {
			d.start(ctx, &job{session: sid, message: mid, key: key, failure: msgDecryptFailed, detail: "decrypt failed"}, st)
		}
		return
	}

	d.keyring.Touch(sid)
	d.start(ctx, &job{session: sid, message: mid, key: key, prompt: prompt}, st)
}

func (d *Daemon) start(ctx context.Context, j *job, st *msgState) {
	st.state = StateDispatched
	j.state = st
	d.live[j.session] = j.message
	d.running++
	d.busy.Store(int32(d.running))
	if err := d.ledger.AppendLog(j.session, j.message, "dispatched", nil); err != nil {
		d.log.Warn("job log", "err", err)
	}
	d.log.Info("request dispatched", "session", j.session, "message", j.message, "running", d.running)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res := d.runJob(ctx, j)
		select {
		case d.events <- res:
		case <-ctx.Done():
		}
	}()
}

type keyPublished struct {
	session, key string
	err          error
}

type statusRemarked struct {
	session, message string
	err              error
}

func (d *Daemon) publishKey(ctx context.Context, sid, enc string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.mbox.Publish(ctx, keyPath(d.uid, sid, "daemon"), enc)
		select {
		case d.events <- keyPublished{session: sid, key: enc, err: err}:
		case <-ctx.Done():
		}
	}()
}

// remark re-publishes a terminal status for a request the ledger already
// finished, without running it again.
func (d *Daemon) remark(ctx context.Context, sid, mid string, s State) {
	status := StatusDone
	if s == StateFailed {
		status = StatusError
	}
	d.log.Info("re-marking finished request", "session", sid, "message", mid, "status", status)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.mbox.Publish(ctx, statusPath(d.uid, sid, mid), status)
		select {
		case d.events <- statusRemarked{session: sid, message: mid, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (d *Daemon) handleEvent(ctx context.Context, ev any) error {
	switch ev := ev.(type) {
	case jobResult:
		return d.finishJob(ctx, ev)

	case jobStreaming:
		if st := d.msgs[ev.session][ev.message]; st != nil && st.state == StateDispatched {
			st.state = StateStreaming
		}

	case keyPublished:
		if ev.err != nil {
			if mailbox.IsFatal(ev.err) {
				return ev.err
			}
			if d.sentKey[ev.session] == ev.key {
				delete(d.sentKey, ev.session)
			}
			d.log.Warn("publish daemon key", "session", ev.session, "err", ev.err)
			return nil
		}
		d.log.Info("daemon key published", "session", ev.session)

	case statusRemarked:
		if ev.err != nil {
			if mailbox.IsFatal(ev.err) {
				return ev.err
			}
			if st := d.msgs[ev.session][ev.message]; st != nil {
				st.remarked = false
			}
			d.log.Warn("re-mark request", "session", ev.session, "message", ev.message, "err", ev.err)
		}
	}
	return nil
}

func (d *Daemon) finishJob(ctx context.Context, res jobResult) error {
	if d.live[res.session] == res.message {
		delete(d.live, res.session)
	}
	d.running--
	d.busy.Store(int32(d.running))

	if res.fatal != nil {
		return res.fatal
	}
	if res.status == "" {
		return nil
	}

	st := d.msgs[res.session][res.message]
	if st == nil || st != res.state {
		d.log.Info("request finished after its session was removed", "session", res.session, "message", res.message)
		return d.reconcileAll(ctx)
	}

	state, ledgerStatus := StateDone, store.StatusDone
	if res.status == StatusError {
		state, ledgerStatus = StateFailed, store.StatusError
	}
	st.state = state
	st.remarked = res.published
	if err := d.ledger.MarkTerminal(store.Entry{
		SessionID:  res.session,
		MessageID:  res.message,
		Status:     ledgerStatus,
		ResponseID: ResponseID(res.message),
	}); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	var detail *string
	if res.detail != "" {
		detail = &res.detail
	}
	if err := d.ledger.AppendLog(res.session, res.message, state.String(), detail); err != nil {
		d.log.Warn("job log", "err", err)
	}
	if d.notifier != nil {
		d.notifier.JobFinished(res.session, state == StateDone)
	}
	d.log.Info("request finished", "session", res.session, "message", res.message, "status", res.status, "elapsed", res.elapsed.Round(time.Millisecond))

	return d.reconcileAll(ctx)
}

// expireIdle forgets key material for sessions idle longer than the TTL. They
// stay dormant until the browser re-keys or sends a request.
func (d *Daemon) expireIdle() {
	for _, sid := range d.keyring.Expire(d.idleTTL) {
		if v, ok := d.sessions[sid]; ok {
			d.dormant[sid] = v.keys["browser"]
		}
		delete(d.sentKey, sid)
		delete(d.observed, sid)
		d.log.Info("session keys expired", "session", sid, "idle_ttl", d.idleTTL)
	}
	if n, err := d.ledger.PruneExpired(); err != nil {
		d.log.Warn("prune ledger", "err", err)
	} else if n > 0 {
		d.log.Debug("ledger pruned", "rows", n)
	}
}
