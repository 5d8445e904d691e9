package client

import "github.com/hzrd149/applesauce-go/pkg/relayinfo"

// Status is the connection lifecycle phase of a relay client.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReady
	StatusReconnecting
	StatusClosing
	StatusClosed
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReady:
		return "ready"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusErrored:
		return "errored"
	}
	return "unknown"
}

// Snapshot is a point-in-time view of everything a relay client knows
// about its relay.
type Snapshot struct {
	URL           string
	Status        Status
	Connected     bool
	Ready         bool
	Authenticated bool
	Challenge     string
	Notices       []string
	Info          *relayinfo.T
}
