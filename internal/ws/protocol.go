package ws

import "encoding/json"

// Frame types sent by the mailbox watch endpoint.
const (
	TypePut         = "put"          // data replaces the subtree at path
	TypeKeepAlive   = "keep-alive"   // no-op, keeps intermediaries from idling out
	TypeAuthRevoked = "auth_revoked" // credential expired mid-stream; refresh and reconnect
	TypeCancel      = "cancel"       // server dropped the watch (rules changed); reconnect
)

// StatusAuthRevoked is the close code the watch endpoint uses when it drops a
// connection because the credential is no longer valid.
const StatusAuthRevoked = 4401

// Envelope wraps every watch frame with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Event is one change under the watched prefix. Path is relative to the
// prefix and starts with "/"; "/" means the whole subtree. Data is the raw
// JSON value (null when deleted).
type Event struct {
	Type string          `json:"type"`
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}
