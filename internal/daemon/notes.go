package daemon

import (
	"encoding/json"
	"strings"

	"github.com/ehrlich-b/wingbridge/internal/mailbox"
)

type noteKind int

const (
	noteIgnored        noteKind = iota
	noteSnapshot                // whole user subtree
	noteSession                 // whole session subtree replaced
	noteSessionRemoved          // session subtree deleted
	noteKey                     // keys/{peer} or the whole keys map
	noteRequest                 // a user message, or the whole messages map
	noteResponseEcho            // our own response record coming back
	noteStatusEcho              // a single message field, usually status
)

func (k noteKind) String() string {
	switch k {
	case noteSnapshot:
		return "snapshot"
	case noteSession:
		return "session"
	case noteSessionRemoved:
		return "session_removed"
	case noteKey:
		return "key"
	case noteRequest:
		return "request"
	case noteResponseEcho:
		return "response_echo"
	case noteStatusEcho:
		return "status_echo"
	default:
		return "ignored"
	}
}

// note is a mailbox change classified by the shape of its path.
type note struct {
	kind    noteKind
	session string
	message string
	peer    string
	field   string
	data    json.RawMessage
}

// classify maps a change under sessions/{uid} to a note. Paths:
//
//	/                                  snapshot
//	/{sid}                             session (or removed when null)
//	/{sid}/keys[/{peer}]               key
//	/{sid}/messages[/{mid}]            request or response echo
//	/{sid}/messages/{mid}/{field}      status echo
func classify(ch mailbox.Change) note {
	path := strings.Trim(ch.Path, "/")
	if path == "" {
		return note{kind: noteSnapshot, data: ch.Data}
	}
	parts := strings.Split(path, "/")
	n := note{session: parts[0], data: ch.Data}
	switch {
	case len(parts) == 1:
		if isNull(ch.Data) {
			n.kind = noteSessionRemoved
		} else {
			n.kind = noteSession
		}
	case parts[1] == "keys" && len(parts) <= 3:
		n.kind = noteKey
		if len(parts) == 3 {
			n.peer = parts[2]
		}
	case parts[1] == "messages" && len(parts) == 2:
		n.kind = noteRequest
	case parts[1] == "messages" && len(parts) == 3:
		n.message = parts[2]
		n.kind = noteRequest
		if strings.HasSuffix(n.message, "-r") || roleOf(ch.Data) == RoleAssistant {
			n.kind = noteResponseEcho
		}
	case parts[1] == "messages" && len(parts) == 4:
		n.kind = noteStatusEcho
		n.message = parts[2]
		n.field = parts[3]
	default:
		n.kind = noteIgnored
	}
	return n
}

// roleOf reads a record's role. Undecodable records classify as requests,
// where the message parser logs them.
func roleOf(raw json.RawMessage) string {
	var r struct {
		Role string `json:"role"`
	}
	json.Unmarshal(raw, &r)
	return r.Role
}
