package daemon

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Remote message statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusStreaming  = "streaming"
	StatusDone       = "done"
	StatusError      = "error"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a request or response record in the mailbox. Text only ever
// travels as Ciphertext+Nonce; Error is set on plaintext failure records that
// carry a fixed message and no user data.
type Message struct {
	Role       string `json:"role"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	Encrypted  bool   `json:"encrypted"`
	Status     string `json:"status,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	ReplyTo    string `json:"reply_to,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ResponseID is the deterministic id of the response to a request, so
// publishing a response twice overwrites instead of duplicating.
func ResponseID(requestID string) string { return requestID + "-r" }

func sessionsPrefix(uid string) string { return "sessions/" + uid }

func messagePath(uid, sid, mid string) string {
	return fmt.Sprintf("sessions/%s/%s/messages/%s", uid, sid, mid)
}

func statusPath(uid, sid, mid string) string { return messagePath(uid, sid, mid) + "/status" }

func keyPath(uid, sid, peer string) string {
	return fmt.Sprintf("sessions/%s/%s/keys/%s", uid, sid, peer)
}

// sessionView is the daemon's mirror of one session subtree.
type sessionView struct {
	keys     map[string]string
	messages map[string]*Message
}

func newSessionView() *sessionView {
	return &sessionView{keys: map[string]string{}, messages: map[string]*Message{}}
}

type rawSession struct {
	Keys     map[string]json.RawMessage `json:"keys"`
	Messages map[string]json.RawMessage `json:"messages"`
}

// parseSession decodes a session subtree leniently: one malformed message or
// key doesn't hide the rest.
func parseSession(raw json.RawMessage) (*sessionView, []error) {
	var rs rawSession
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, []error{fmt.Errorf("session: %w", err)}
	}
	v := newSessionView()
	var errs []error
	for peer, k := range rs.Keys {
		var s string
		if err := json.Unmarshal(k, &s); err != nil {
			errs = append(errs, fmt.Errorf("key %s: %w", peer, err))
			continue
		}
		v.keys[peer] = s
	}
	for id, m := range rs.Messages {
		msg, err := parseMessage(m)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", id, err))
			continue
		}
		if msg != nil {
			v.messages[id] = msg
		}
	}
	return v, errs
}

func parseMessage(raw json.RawMessage) (*Message, error) {
	if isNull(raw) {
		return nil, nil
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// patchMessage sets one field of a message from a field-level change.
func patchMessage(m *Message, field string, raw json.RawMessage) (*Message, error) {
	fields := map[string]json.RawMessage{}
	if m != nil {
		data, _ := json.Marshal(m)
		json.Unmarshal(data, &fields)
	}
	if isNull(raw) {
		delete(fields, field)
	} else {
		fields[field] = raw
	}
	data, _ := json.Marshal(fields)
	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
