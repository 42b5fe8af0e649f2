package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Message type tags carried in Envelope.Type. Handlers are registered under
// these bare names; addressing is always via the embedded targetPeerId field,
// never via type-name suffixes.
const (
	TypeRequestState = "request-state"
	TypeUserJoined   = "user-joined"
	TypeUserLeft     = "user-left"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeHangup       = "hangup"
)

// ID is a string-or-number JSON identifier.
//
// The surrounding application uses numeric database IDs for users and rooms
// but opaque string tokens for peers. ID accepts both on decode and re-encodes
// numeric values as numbers so envelopes survive a round trip byte-compatibly.
type ID struct {
	value   string
	numeric bool
}

func StringID(s string) ID { return ID{value: s} }

func NumericID(n int64) ID { return ID{value: strconv.FormatInt(n, 10), numeric: true} }

// ParseID converts a query-string identifier: all-digit values become
// numeric IDs so they re-encode the way the owning application sent them.
// A value the decimal form cannot reproduce exactly, "007" or "+7", stays
// a string so the round trip is lossless.
func ParseID(s string) ID {
	if s == "" {
		return ID{}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && strconv.FormatInt(n, 10) == s {
		return NumericID(n)
	}
	return ID{value: s}
}

func (id ID) String() string { return id.value }

func (id ID) IsZero() bool { return id.value == "" }

func (id ID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.value), nil
	}
	return json.Marshal(id.value)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty id")
	}
	if string(data) == "null" {
		*id = ID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID{value: s}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID{value: n.String(), numeric: true}
	return nil
}

// Envelope is the broadcast message unit every peer in a room sees.
//
// TargetPeerID implements "direct" delivery on a broadcast-only transport:
// when set, every receiver except the named peer must discard the envelope
// unprocessed. The field is always emitted (null when unset) so the wire
// shape is identical for broadcast and targeted messages.
type Envelope struct {
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
	SenderID     string          `json:"senderId"`
	UserID       ID              `json:"userId"`
	RoomID       ID              `json:"roomId"`
	TargetPeerID *string         `json:"targetPeerId"`
	Timestamp    int64           `json:"timestamp"`
}

// Target returns the target peer ID, or "" for broadcast envelopes.
func (e *Envelope) Target() string {
	if e.TargetPeerID == nil {
		return ""
	}
	return *e.TargetPeerID
}

// Validate checks the fields every envelope must carry regardless of type.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("envelope missing type")
	}
	if e.SenderID == "" {
		return fmt.Errorf("envelope missing senderId")
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("envelope has non-positive timestamp %d", e.Timestamp)
	}
	if e.TargetPeerID != nil && *e.TargetPeerID == "" {
		return fmt.Errorf("envelope has empty targetPeerId (omit or null for broadcast)")
	}
	return nil
}

// ParseEnvelope decodes an envelope strictly: unknown fields and trailing
// data are rejected so schema drift between peers surfaces as a validation
// drop, not silent misinterpretation.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
