// Package terminal is the viewer-facing terminal gateway. It bridges viewer
// WebSockets to an agent terminal reached through one of three topologies:
// an inbound runtime connection (legacy), an outbound proxy dial to a remote
// runtime, or a local PTY attachment.
package terminal

// Client → gateway message types.
const (
	MsgAttach = "attach"
	MsgInput  = "input"
	MsgResize = "resize"
	MsgDetach = "detach"
)

// Gateway → client message types.
const (
	MsgAttached = "attached"
	MsgClear    = "clear"
	MsgOutput   = "output"
	MsgStatus   = "status"
	MsgError    = "error"
)

// ClientMessage is a message from a viewer.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// ServerMessage is a message to a viewer.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

// controlMessage is sent to proxy and legacy upstreams as a text frame.
// Input goes as raw binary frames.
type controlMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}
