package relay

import "errors"

var (
	ErrTooManyRooms = errors.New("too many rooms")
	ErrRoomFull     = errors.New("room full")
	// ErrPeerIDInUse is returned when a peer attaches with a peerId already
	// present in the room. Peer IDs are fresh random tokens per session
	// attach, so a collision indicates a misbehaving client (e.g. two tabs
	// sharing one token), not bad luck.
	ErrPeerIDInUse = errors.New("peer id already attached")
	ErrHubClosed   = errors.New("relay hub closed")
)
