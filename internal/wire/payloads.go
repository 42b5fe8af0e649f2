package wire

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Participant is the room-seat snapshot a joined peer broadcasts in
// user-joined envelopes so late joiners can rebuild room state without a
// central source of truth.
type Participant struct {
	PeerID      string  `json:"peerId"`
	UserID      ID      `json:"userId"`
	SlotID      *string `json:"slotId"`
	DisplayName string  `json:"displayName,omitempty"`
}

func (p *Participant) Validate() error {
	if p.PeerID == "" {
		return fmt.Errorf("participant missing peerId")
	}
	if p.UserID.IsZero() {
		return fmt.Errorf("participant missing userId")
	}
	return nil
}

type UserJoinedPayload struct {
	Participant Participant `json:"participant"`
}

func (p *UserJoinedPayload) Validate() error {
	return p.Participant.Validate()
}

type UserLeftPayload struct {
	PeerID string `json:"peerId"`
}

func (p *UserLeftPayload) Validate() error {
	if p.PeerID == "" {
		return fmt.Errorf("user-left missing peerId")
	}
	return nil
}

// SDP is the wire shape of a session description. It mirrors the browser's
// RTCSessionDescriptionInit so Go and browser peers interoperate unchanged.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type OfferPayload struct {
	SDP SDP `json:"sdp"`
}

func (p *OfferPayload) Validate() error {
	if p.SDP.Type != "offer" {
		return fmt.Errorf("offer payload has sdp.type=%q", p.SDP.Type)
	}
	if p.SDP.SDP == "" {
		return fmt.Errorf("offer payload missing sdp")
	}
	return nil
}

type AnswerPayload struct {
	SDP SDP `json:"sdp"`
}

func (p *AnswerPayload) Validate() error {
	if p.SDP.Type != "answer" {
		return fmt.Errorf("answer payload has sdp.type=%q", p.SDP.Type)
	}
	if p.SDP.SDP == "" {
		return fmt.Errorf("answer payload missing sdp")
	}
	return nil
}

// Candidate is the wire shape of a trickle ICE candidate
// (RTCIceCandidateInit).
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type ICECandidatePayload struct {
	Candidate Candidate `json:"candidate"`
}

func (p *ICECandidatePayload) Validate() error {
	// An empty candidate string is the end-of-candidates marker and is legal.
	return nil
}

type HangupPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (p *HangupPayload) Validate() error { return nil }

// DecodePayload decodes an envelope's data into the payload struct for its
// type and validates it. Unknown envelope types return an error; callers
// treat that as an unhandled message, not a failure.
func DecodePayload(env *Envelope) (any, error) {
	switch env.Type {
	case TypeRequestState:
		return nil, nil
	case TypeUserJoined:
		return decodePayloadInto(env, &UserJoinedPayload{})
	case TypeUserLeft:
		return decodePayloadInto(env, &UserLeftPayload{})
	case TypeOffer:
		return decodePayloadInto(env, &OfferPayload{})
	case TypeAnswer:
		return decodePayloadInto(env, &AnswerPayload{})
	case TypeICECandidate:
		return decodePayloadInto(env, &ICECandidatePayload{})
	case TypeHangup:
		return decodePayloadInto(env, &HangupPayload{})
	default:
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}
}

type validator interface {
	Validate() error
}

func decodePayloadInto[T validator](env *Envelope, payload T) (T, error) {
	var zero T
	if len(env.Data) == 0 {
		return zero, fmt.Errorf("%s envelope missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, payload); err != nil {
		return zero, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	if err := payload.Validate(); err != nil {
		return zero, err
	}
	return payload, nil
}

// MustData marshals a payload for embedding in an envelope. It panics only
// on marshal failure of locally constructed values, which indicates a
// programming error rather than bad input.
func MustData(payload any) json.RawMessage {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("wire: marshal payload: %v", err))
	}
	return data
}
