package signaling

import (
	"errors"
	"fmt"
)

var (
	errNotBound          = errors.New("coordinator not bound to a transport")
	errUnexpectedPayload = errors.New("payload decoded to unexpected type")
)

const (
	ErrKindICEFailed    = "ice-failed"
	ErrKindOfferTimeout = "offer-timeout"
)

// SignalingError reports a failed negotiation with one remote peer. The
// peer's state machine is Closed by the time the error surfaces; other
// peers are unaffected.
type SignalingError struct {
	Kind   string
	PeerID string
	Err    error
}

func (e *SignalingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("signaling %s: peer %s", e.Kind, e.PeerID)
	}
	return fmt.Sprintf("signaling %s: peer %s: %v", e.Kind, e.PeerID, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }
