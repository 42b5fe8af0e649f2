// Package webrtcpeer wraps pion behind the small surface the signaling
// coordinator drives. The Factory indirection keeps signaling tests off
// real ICE.
package webrtcpeer

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/fableboard/roomcore/internal/wire"
)

// ConnState mirrors the peer connection states the coordinator cares about.
type ConnState int

const (
	StateNew ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func stateFromPion(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

// Conn is one peer-to-peer connection attempt. Callbacks must be registered
// before the first offer/answer call.
type Conn interface {
	// CreateOffer opens the data channel, sets the local description and
	// returns the offer SDP.
	CreateOffer(ctx context.Context) (wire.SDP, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer wire.SDP) (wire.SDP, error)
	// AcceptAnswer applies the remote answer to a connection that offered.
	AcceptAnswer(answer wire.SDP) error
	// AddRemoteCandidate applies a trickled remote ICE candidate. Callers
	// must not invoke it before the remote description is set.
	AddRemoteCandidate(cand wire.Candidate) error

	OnLocalCandidate(fn func(wire.Candidate))
	OnStateChange(fn func(ConnState))

	// Send transmits on the game data channel once it is open.
	Send(data []byte) error
	OnMessage(fn func([]byte))

	Close() error
}

// Factory creates connections. The production implementation is pion-backed;
// signaling tests substitute fakes.
type Factory interface {
	NewConn() (Conn, error)
}
