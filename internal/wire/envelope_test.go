package wire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseEnvelope_RoundTrip(t *testing.T) {
	target := "peer-b"
	env := Envelope{
		Type:         TypeOffer,
		Data:         MustData(&OfferPayload{SDP: SDP{Type: "offer", SDP: "v=0..."}}),
		SenderID:     "peer-a",
		UserID:       NumericID(42),
		RoomID:       NumericID(7),
		TargetPeerID: &target,
		Timestamp:    1700000000000,
	}

	data, err := json.Marshal(&env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != TypeOffer || got.SenderID != "peer-a" || got.Target() != "peer-b" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.UserID.String() != "42" || got.RoomID.String() != "7" {
		t.Fatalf("id mismatch: user=%q room=%q", got.UserID, got.RoomID)
	}
}

func TestParseEnvelope_NumericIDsStayNumeric(t *testing.T) {
	raw := `{"type":"request-state","data":null,"senderId":"p1","userId":42,"roomId":"campaign-7","targetPeerId":null,"timestamp":1}`

	env, err := ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	out, err := json.Marshal(&env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"userId":42`) {
		t.Fatalf("numeric userId was re-encoded as a string: %s", out)
	}
	if !strings.Contains(string(out), `"roomId":"campaign-7"`) {
		t.Fatalf("string roomId was not preserved: %s", out)
	}
}

func TestParseID_NumericOnlyWhenLossless(t *testing.T) {
	tests := []struct {
		in   string
		json string
	}{
		{"42", `42`},
		{"0", `0`},
		{"-3", `-3`},
		{"007", `"007"`},
		{"+7", `"+7"`},
		{"peer-abc", `"peer-abc"`},
		{"99999999999999999999", `"99999999999999999999"`},
	}
	for _, tt := range tests {
		id := ParseID(tt.in)
		out, err := json.Marshal(id)
		if err != nil {
			t.Fatalf("marshal %q: %v", tt.in, err)
		}
		if string(out) != tt.json {
			t.Fatalf("ParseID(%q) encoded as %s, want %s", tt.in, out, tt.json)
		}
		if id.String() != tt.in {
			t.Fatalf("ParseID(%q).String() = %q", tt.in, id.String())
		}
	}
}

func TestParseEnvelope_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing type", `{"data":null,"senderId":"p1","userId":1,"roomId":1,"targetPeerId":null,"timestamp":1}`},
		{"missing sender", `{"type":"offer","data":null,"userId":1,"roomId":1,"targetPeerId":null,"timestamp":1}`},
		{"zero timestamp", `{"type":"offer","data":null,"senderId":"p1","userId":1,"roomId":1,"targetPeerId":null,"timestamp":0}`},
		{"empty target", `{"type":"offer","data":null,"senderId":"p1","userId":1,"roomId":1,"targetPeerId":"","timestamp":1}`},
		{"unknown field", `{"type":"offer","data":null,"senderId":"p1","userId":1,"roomId":1,"targetPeerId":null,"timestamp":1,"extra":true}`},
		{"trailing data", `{"type":"offer","data":null,"senderId":"p1","userId":1,"roomId":1,"targetPeerId":null,"timestamp":1}{}`},
		{"boolean userId", `{"type":"offer","data":null,"senderId":"p1","userId":true,"roomId":1,"targetPeerId":null,"timestamp":1}`},
		{"not json", `offer from peer-a`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tt.raw)); err == nil {
				t.Fatalf("expected parse error")
			}
		})
	}
}

func TestEnvelope_TargetNilMeansBroadcast(t *testing.T) {
	env := Envelope{Type: TypeRequestState, SenderID: "p1", Timestamp: 1}
	if env.Target() != "" {
		t.Fatalf("nil target should read as broadcast, got %q", env.Target())
	}

	out, err := json.Marshal(&env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"targetPeerId":null`) {
		t.Fatalf("broadcast envelope must still carry targetPeerId:null, got %s", out)
	}
}

func TestDecodePayload(t *testing.T) {
	slot := "seat-2"
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{
			name: "valid user-joined",
			env: Envelope{Type: TypeUserJoined, Data: MustData(&UserJoinedPayload{
				Participant: Participant{PeerID: "p2", UserID: NumericID(9), SlotID: &slot},
			})},
		},
		{
			name:    "user-joined missing participant",
			env:     Envelope{Type: TypeUserJoined, Data: json.RawMessage(`{"participant":{}}`)},
			wantErr: true,
		},
		{
			name:    "offer with answer sdp",
			env:     Envelope{Type: TypeOffer, Data: MustData(&OfferPayload{SDP: SDP{Type: "answer", SDP: "v=0"}})},
			wantErr: true,
		},
		{
			name: "ice candidate end marker",
			env:  Envelope{Type: TypeICECandidate, Data: MustData(&ICECandidatePayload{})},
		},
		{
			name: "request-state carries no payload",
			env:  Envelope{Type: TypeRequestState},
		},
		{
			name:    "unknown type",
			env:     Envelope{Type: "roll-dice", Data: json.RawMessage(`{}`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(&tt.env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodePayload err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSDP_ToPion(t *testing.T) {
	if _, err := (SDP{Type: "pranswer", SDP: "v=0"}).ToPion(); err == nil {
		t.Fatalf("expected unsupported sdp type error")
	}
	desc, err := (SDP{Type: "offer", SDP: "v=0"}).ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	if got := SDPFromPion(desc); got.Type != "offer" || got.SDP != "v=0" {
		t.Fatalf("pion round trip mismatch: %+v", got)
	}
}
