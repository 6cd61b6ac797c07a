package domain

type LinkState int

const (
	LinkIdle LinkState = iota
	LinkNegotiating
	LinkConnecting
	LinkConnected
	LinkReconnecting
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "IDLE"
	case LinkNegotiating:
		return "NEGOTIATING"
	case LinkConnecting:
		return "CONNECTING"
	case LinkConnected:
		return "CONNECTED"
	case LinkReconnecting:
		return "RECONNECTING"
	case LinkFailed:
		return "FAILED"
	case LinkClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s LinkState) Terminal() bool {
	return s == LinkFailed || s == LinkClosed
}

type Role int

const (
	RoleNone Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "none"
	}
}

// ConnectionState is what the engine reports about transport
// connectivity.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type Track struct {
	ID       string
	StreamID string
	Kind     TrackKind
}

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventError
	EventPeerUnreachable
	EventGlareRollback
	EventRemoteTrack
	EventTransferStarted
	EventTransferProgress
	EventTransferComplete
	EventTransferFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventError:
		return "error"
	case EventPeerUnreachable:
		return "peer-unreachable"
	case EventGlareRollback:
		return "glare-rollback"
	case EventRemoteTrack:
		return "remote-track"
	case EventTransferStarted:
		return "transfer-started"
	case EventTransferProgress:
		return "transfer-progress"
	case EventTransferComplete:
		return "transfer-complete"
	case EventTransferFailed:
		return "transfer-failed"
	default:
		return "unknown"
	}
}

// LinkEvent is the observable output of a PeerLink. Only the fields
// relevant to Kind are set.
type LinkEvent struct {
	Link     LinkKey
	Kind     EventKind
	State    LinkState
	Previous LinkState
	Err      error
	Track    Track
	Transfer *TransferProgress
	// Data is the assembled buffer of a completed inbound transfer.
	Data []byte
}
