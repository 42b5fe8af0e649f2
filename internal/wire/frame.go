package wire

import "fmt"

// FrameOp identifies a relay protocol frame. The relay protocol is the thin
// layer between a peer and the pub/sub relay; envelopes ride inside it
// untouched.
type FrameOp string

const (
	// Client to relay.
	OpPublish FrameOp = "publish"
	OpWhisper FrameOp = "whisper"

	// Relay to client.
	OpMessage  FrameOp = "message"
	OpPresence FrameOp = "presence"
	OpError    FrameOp = "error"
)

type PresenceEvent string

const (
	PresenceEnter PresenceEvent = "enter"
	PresenceLeave PresenceEvent = "leave"
	// PresenceSync is sent once after attach with the full member list.
	PresenceSync PresenceEvent = "sync"
)

// PeerInfo is what the relay knows about an attached peer. Seat assignments
// are not relayed state; they travel in user-joined envelopes.
type PeerInfo struct {
	PeerID string `json:"peerId"`
	UserID ID     `json:"userId"`
}

type Frame struct {
	Op FrameOp `json:"op"`

	Envelope *Envelope `json:"envelope,omitempty"`

	Event PresenceEvent `json:"event,omitempty"`
	Peer  *PeerInfo     `json:"peer,omitempty"`
	Peers []PeerInfo    `json:"peers,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseFrame decodes and validates a relay protocol frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decodeStrict(data, &f); err != nil {
		return Frame{}, err
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f *Frame) Validate() error {
	switch f.Op {
	case OpPublish, OpWhisper, OpMessage:
		if f.Envelope == nil {
			return fmt.Errorf("%s frame missing envelope", f.Op)
		}
		if f.Event != "" || f.Peer != nil || f.Peers != nil || f.Code != "" || f.Message != "" {
			return fmt.Errorf("%s frame has unexpected fields", f.Op)
		}
		return f.Envelope.Validate()
	case OpPresence:
		if f.Envelope != nil || f.Code != "" || f.Message != "" {
			return fmt.Errorf("presence frame has unexpected fields")
		}
		switch f.Event {
		case PresenceEnter, PresenceLeave:
			if f.Peer == nil {
				return fmt.Errorf("presence %s frame missing peer", f.Event)
			}
			if f.Peer.PeerID == "" {
				return fmt.Errorf("presence %s frame missing peerId", f.Event)
			}
			if f.Peers != nil {
				return fmt.Errorf("presence %s frame has unexpected peers list", f.Event)
			}
		case PresenceSync:
			if f.Peer != nil {
				return fmt.Errorf("presence sync frame has unexpected peer")
			}
			for i := range f.Peers {
				if f.Peers[i].PeerID == "" {
					return fmt.Errorf("presence sync frame peer %d missing peerId", i)
				}
			}
		default:
			return fmt.Errorf("unsupported presence event %q", f.Event)
		}
		return nil
	case OpError:
		if f.Code == "" || f.Message == "" {
			return fmt.Errorf("error frame missing code/message")
		}
		if f.Envelope != nil || f.Event != "" || f.Peer != nil || f.Peers != nil {
			return fmt.Errorf("error frame has unexpected fields")
		}
		return nil
	default:
		return fmt.Errorf("unsupported frame op %q", f.Op)
	}
}
