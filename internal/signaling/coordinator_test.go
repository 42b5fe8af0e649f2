package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fableboard/roomcore/internal/webrtcpeer"
	"github.com/fableboard/roomcore/internal/wire"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMsg struct {
	msgType string
	data    json.RawMessage
	target  string
}

type fakeTransport struct {
	mu        sync.Mutex
	published []sentMsg
	whispered []sentMsg
}

func (t *fakeTransport) Publish(msgType string, data json.RawMessage, target *string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, sentMsg{msgType, data, deref(target)})
	return nil
}

func (t *fakeTransport) Whisper(msgType string, data json.RawMessage, target *string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.whispered = append(t.whispered, sentMsg{msgType, data, deref(target)})
	return nil
}

func (t *fakeTransport) sent(msgType string) []sentMsg {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sentMsg
	for _, m := range t.published {
		if m.msgType == msgType {
			out = append(out, m)
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type fakeConn struct {
	mu          sync.Mutex
	offered     bool
	answered    bool
	gotAnswer   bool
	remoteCands []wire.Candidate
	onCand      func(wire.Candidate)
	onState     func(webrtcpeer.ConnState)
	closed      bool
}

func (c *fakeConn) CreateOffer(ctx context.Context) (wire.SDP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offered = true
	return wire.SDP{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (c *fakeConn) AcceptOffer(ctx context.Context, offer wire.SDP) (wire.SDP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = true
	return wire.SDP{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (c *fakeConn) AcceptAnswer(answer wire.SDP) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gotAnswer = true
	return nil
}

func (c *fakeConn) AddRemoteCandidate(cand wire.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteCands = append(c.remoteCands, cand)
	return nil
}

func (c *fakeConn) OnLocalCandidate(fn func(wire.Candidate)) {
	c.mu.Lock()
	c.onCand = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnStateChange(fn func(webrtcpeer.ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *fakeConn) Send([]byte) error     { return nil }
func (c *fakeConn) OnMessage(func([]byte)) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) fireState(s webrtcpeer.ConnState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *fakeConn) candidates() []wire.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Candidate(nil), c.remoteCands...)
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (f *fakeFactory) NewConn() (webrtcpeer.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.conns) {
		return nil
	}
	return f.conns[i]
}

type timerCtl struct {
	mu     sync.Mutex
	fns    []func()
	delays []time.Duration
}

func (tc *timerCtl) afterFunc(d time.Duration, fn func()) *time.Timer {
	tc.mu.Lock()
	tc.fns = append(tc.fns, fn)
	tc.delays = append(tc.delays, d)
	tc.mu.Unlock()
	// Inert timer; tests fire fn by hand.
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

func (tc *timerCtl) fire(t *testing.T, i int) {
	tc.mu.Lock()
	if i >= len(tc.fns) {
		tc.mu.Unlock()
		t.Fatalf("no timer %d scheduled", i)
	}
	fn := tc.fns[i]
	tc.mu.Unlock()
	fn()
}

type testRig struct {
	coord   *Coordinator
	trans   *fakeTransport
	factory *fakeFactory
	timers  *timerCtl
	errs    []*SignalingError
	errMu   sync.Mutex
}

func newRig(t *testing.T, hooks Hooks) *testRig {
	rig := &testRig{trans: &fakeTransport{}, factory: &fakeFactory{}, timers: &timerCtl{}}
	userErr := hooks.OnError
	hooks.OnError = func(err *SignalingError) {
		rig.errMu.Lock()
		rig.errs = append(rig.errs, err)
		rig.errMu.Unlock()
		if userErr != nil {
			userErr(err)
		}
	}
	rig.coord = NewCoordinator(Config{
		Factory:   rig.factory,
		Log:       testLogger(t),
		Hooks:     hooks,
		AfterFunc: rig.timers.afterFunc,
	})
	rig.coord.Bind(rig.trans)
	return rig
}

func (r *testRig) errors() []*SignalingError {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return append([]*SignalingError(nil), r.errs...)
}

// smallerID / largerID sort on either side of any generated peer ID, which
// is a hex UUID: '!' < '0'..'f' < 'z'.
func smallerID(pid string) string { return "!" + pid }
func largerID(pid string) string  { return "z" + pid }

func envelope(t *testing.T, msgType, sender string, payload any, target string) *wire.Envelope {
	t.Helper()
	env := &wire.Envelope{
		Type:      msgType,
		SenderID:  sender,
		UserID:    wire.NumericID(9),
		RoomID:    wire.StringID("table-1"),
		Timestamp: 1,
	}
	if payload != nil {
		env.Data = wire.MustData(payload)
	}
	if target != "" {
		env.TargetPeerID = &target
	}
	return env
}

func TestPeerIDLazyAndClearedOnClose(t *testing.T) {
	rig := newRig(t, Hooks{})
	first := rig.coord.PeerID()
	if first == "" {
		t.Fatalf("empty peer id")
	}
	if again := rig.coord.PeerID(); again != first {
		t.Fatalf("peer id not stable: %q vs %q", first, again)
	}

	rig.coord.Close()
	rig.coord.Bind(rig.trans)
	if next := rig.coord.PeerID(); next == first {
		t.Fatalf("peer id survived Close")
	}
}

func TestRequestStateAnnouncesLocalParticipant(t *testing.T) {
	rig := newRig(t, Hooks{})
	pid := rig.coord.PeerID()

	// Not joined yet: request-state gets no response.
	rig.coord.handleRequestState(envelope(t, wire.TypeRequestState, largerID(pid), nil, ""))
	if got := rig.trans.sent(wire.TypeUserJoined); len(got) != 0 {
		t.Fatalf("announced before join: %+v", got)
	}

	slot := "slot-2"
	if err := rig.coord.Join(wire.Participant{UserID: wire.NumericID(1), SlotID: &slot, DisplayName: "GM"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	rig.coord.handleRequestState(envelope(t, wire.TypeRequestState, largerID(pid), nil, ""))

	got := rig.trans.sent(wire.TypeUserJoined)
	// One from Join, one re-announce.
	if len(got) != 2 {
		t.Fatalf("user-joined count = %d, want 2", len(got))
	}
	var payload wire.UserJoinedPayload
	if err := json.Unmarshal(got[1].data, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Participant.PeerID != pid || payload.Participant.DisplayName != "GM" {
		t.Fatalf("participant = %+v", payload.Participant)
	}
	if got[1].target != "" {
		t.Fatalf("user-joined must broadcast, got target %q", got[1].target)
	}
}

func TestOfferInitiatedTowardLargerPeer(t *testing.T) {
	rig := newRig(t, Hooks{})
	pid := rig.coord.PeerID()
	remote := largerID(pid)

	if err := rig.coord.Join(wire.Participant{UserID: wire.NumericID(1)}); err != nil {
		t.Fatalf("join: %v", err)
	}
	rig.coord.handleUserJoined(envelope(t, wire.TypeUserJoined, remote,
		&wire.UserJoinedPayload{Participant: wire.Participant{PeerID: remote, UserID: wire.NumericID(2)}}, ""))

	offers := rig.trans.sent(wire.TypeOffer)
	if len(offers) != 1 || offers[0].target != remote {
		t.Fatalf("offers = %+v, want one targeted at %s", offers, remote)
	}
	if rig.coord.PeerStates()[remote] != StateOfferSent {
		t.Fatalf("state = %v", rig.coord.PeerStates()[remote])
	}
}

func TestNoOfferTowardSmallerPeer(t *testing.T) {
	rig := newRig(t, Hooks{})
	pid := rig.coord.PeerID()
	remote := smallerID(pid)

	if err := rig.coord.Join(wire.Participant{UserID: wire.NumericID(1)}); err != nil {
		t.Fatalf("join: %v", err)
	}
	rig.coord.handleUserJoined(envelope(t, wire.TypeUserJoined, remote,
		&wire.UserJoinedPayload{Participant: wire.Participant{PeerID: remote, UserID: wire.NumericID(2)}}, ""))

	if offers := rig.trans.sent(wire.TypeOffer); len(offers) != 0 {
		t.Fatalf("offered toward smaller peer id: %+v", offers)
	}
}

func TestInboundOfferProducesAnswer(t *testing.T) {
	rig := newRig(t, Hooks{})
	pid := rig.coord.PeerID()
	remote := smallerID(pid)

	rig.coord.handleOffer(envelope(t, wire.TypeOffer, remote,
		&wire.OfferPayload{SDP: wire.SDP{Type: "offer", SDP: "v=0"}}, pid))

	answers := rig.trans.sent(wire.TypeAnswer)
	if len(answers) != 1 || answers[0].target != remote {
		t.Fatalf("answers = %+v", answers)
	}
	if rig.coord.PeerStates()[remote] != StateAnswerExchanged {
		t.Fatalf("state = %v", rig.coord.PeerStates()[remote])
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	rig := newRig(t, Hooks{})
	pid := rig.coord.PeerID()
	remote := smallerID(pid)

	cand := func(s string) *wire.ICECandidatePayload {
		return &wire.ICECandidatePayload{Candidate: wire.Candidate{Candidate: s}}
	}

	// Candidates before the offer must not be dropped.
	rig.coord.handleCandidate(envelope(t, wire.TypeICECandidate, remote, cand("candidate:1"), pid))
	rig.coord.handleCandidate(envelope(t, wire.TypeICECandidate, remote, cand("candidate:2"), pid))

	rig.coord.handleOffer(envelope(t, wire.TypeOffer, remote,
		&wire.OfferPayload{SDP: wire.SDP{Type: "offer", SDP: "v=0"}}, pid))

	conn := rig.factory.conn(0)
	got := conn.candidates()
	if len(got) != 2 || got[0].Candidate != "candidate:1" || got[1].Candidate != "candidate:2" {
		t.Fatalf("buffered candidates not applied in order: %+v", got)
	}

	// After the remote description, candidates apply immediately.
	rig.coord.handleCandidate(envelope(t, wire.TypeICECandidate, remote, cand("candidate:3"), pid))
	if got := conn.candidates(); len(got) != 3 {
		t.Fatalf("late candidate not applied: %+v", got)
	}
}

func TestAnswerCompletesOfferAndFlushesCandidates(t *testing.T) {
	rig := newRig(t, Hooks{})
	pid := rig.coord.PeerID()
	remote := largerID(pid)

	if err := rig.coord.Join(wire.Participant{UserID: wire.NumericID(1)}); err != nil {
		t.Fatalf("join: %v", err)
	}
	rig.coord.handleUserJoined(envelope(t, wire.TypeUserJoined, remote,
		&wire.UserJoinedPayload{Participant: wire.Participant{PeerID: remote, UserID: wire.NumericID(2)}}, ""))

	// Candidate racing ahead of the answer.
	rig.coord.handleCandidate(envelope(t, wire.TypeICECandidate, remote,
		&wire.ICECandidatePayload{Candidate: wire.Candidate{Candidate: "candidate:early"}}, pid))

	conn := rig.factory.conn(0)
	if got := conn.candidates(); len(got) != 0 {
		t.Fatalf("candidate applied before answer: %+v", got)
	}

	rig.coord.handleAnswer(envelope(t, wire.TypeAnswer, remote,
		&wire.AnswerPayload{SDP: wire.SDP{Type: "answer", SDP: "v=0"}}, pid))

	if !conn.gotAnswer {
		t.Fatalf("answer not applied")
	}
	if got := conn.candidates(); len(got) != 1 || got[0].Candidate != "candidate:early" {
		t.Fatalf("buffered candidate not flushed: %+v", got)
	}
	if rig.coord.PeerStates()[remote] != StateAnswerExchanged {
		t.Fatalf("state = %v", rig.coord.PeerStates()[remote])
	}
}

func TestOfferTimeoutReannounces(t *testing.T) {
	rig := newRig(t, Hooks{})
	pid := rig.coord.PeerID()
	remote := largerID(pid)

	if err := rig.coord.Join(wire.Participant{UserID: wire.NumericID(1)}); err != nil {
		t.Fatalf("join: %v", err)
	}
	rig.coord.handleUserJoined(envelope(t, wire.TypeUserJoined, remote,
		&wire.UserJoinedPayload{Participant: wire.Participant{PeerID: remote, UserID: wire.NumericID(2)}}, ""))

	before := len(rig.trans.sent(wire.TypeRequestState))
	rig.timers.fire(t, 0)

	errs := rig.errors()
	if len(errs) != 1 || errs[0].Kind != ErrKindOfferTimeout || errs[0].PeerID != remote {
		t.Fatalf("errors = %+v", errs)
	}
	if _, ok := rig.coord.PeerStates()[remote]; ok {
		t.Fatalf("timed-out peer still tracked")
	}
	if after := len(rig.trans.sent(wire.TypeRequestState)); after != before+1 {
		t.Fatalf("request-state not re-announced: %d -> %d", before, after)
	}
	if !rig.factory.conn(0).closed {
		t.Fatalf("stale connection not closed")
	}
}

func TestOfferTimeoutIgnoredAfterAnswer(t *testing.T) {
	rig := newRig(t, Hooks{})
	pid := rig.coord.PeerID()
	remote := largerID(pid)

	if err := rig.coord.Join(wire.Participant{UserID: wire.NumericID(1)}); err != nil {
		t.Fatalf("join: %v", err)
	}
	rig.coord.handleUserJoined(envelope(t, wire.TypeUserJoined, remote,
		&wire.UserJoinedPayload{Participant: wire.Participant{PeerID: remote, UserID: wire.NumericID(2)}}, ""))
	rig.coord.handleAnswer(envelope(t, wire.TypeAnswer, remote,
		&wire.AnswerPayload{SDP: wire.SDP{Type: "answer", SDP: "v=0"}}, pid))

	rig.timers.fire(t, 0)
	if errs := rig.errors(); len(errs) != 0 {
		t.Fatalf("timeout fired after answer: %+v", errs)
	}
}

func TestICEFailureIsolatedPerPeer(t *testing.T) {
	var disconnected []string
	rig := newRig(t, Hooks{
		OnPeerDisconnected: func(id string) { disconnected = append(disconnected, id) },
	})
	pid := rig.coord.PeerID()
	remoteA := largerID(pid) + "-a"
	remoteB := largerID(pid) + "-b"

	if err := rig.coord.Join(wire.Participant{UserID: wire.NumericID(1)}); err != nil {
		t.Fatalf("join: %v", err)
	}
	for _, remote := range []string{remoteA, remoteB} {
		rig.coord.handleUserJoined(envelope(t, wire.TypeUserJoined, remote,
			&wire.UserJoinedPayload{Participant: wire.Participant{PeerID: remote, UserID: wire.NumericID(2)}}, ""))
	}

	connA := rig.factory.conn(0)
	connB := rig.factory.conn(1)
	connA.fireState(webrtcpeer.StateConnected)
	connB.fireState(webrtcpeer.StateConnected)

	states := rig.coord.PeerStates()
	if states[remoteA] != StateConnected || states[remoteB] != StateConnected {
		t.Fatalf("states = %+v", states)
	}

	connA.fireState(webrtcpeer.StateFailed)

	errs := rig.errors()
	if len(errs) != 1 || errs[0].Kind != ErrKindICEFailed || errs[0].PeerID != remoteA {
		t.Fatalf("errors = %+v", errs)
	}
	states = rig.coord.PeerStates()
	if _, ok := states[remoteA]; ok {
		t.Fatalf("failed peer still tracked")
	}
	if states[remoteB] != StateConnected {
		t.Fatalf("unrelated peer disturbed: %+v", states)
	}
	if len(disconnected) != 1 || disconnected[0] != remoteA {
		t.Fatalf("disconnected hooks = %v", disconnected)
	}
}

func TestGlareLargerOfferIgnoredWhileOursIsPending(t *testing.T) {
	rig := newRig(t, Hooks{})
	pid := rig.coord.PeerID()
	remote := largerID(pid)

	if err := rig.coord.Join(wire.Participant{UserID: wire.NumericID(1)}); err != nil {
		t.Fatalf("join: %v", err)
	}
	rig.coord.handleUserJoined(envelope(t, wire.TypeUserJoined, remote,
		&wire.UserJoinedPayload{Participant: wire.Participant{PeerID: remote, UserID: wire.NumericID(2)}}, ""))

	rig.coord.handleOffer(envelope(t, wire.TypeOffer, remote,
		&wire.OfferPayload{SDP: wire.SDP{Type: "offer", SDP: "v=0"}}, pid))

	if answers := rig.trans.sent(wire.TypeAnswer); len(answers) != 0 {
		t.Fatalf("answered a glare offer we should win: %+v", answers)
	}
	if rig.coord.PeerStates()[remote] != StateOfferSent {
		t.Fatalf("state = %v", rig.coord.PeerStates()[remote])
	}
}

func TestHangupAndPeerLeftTearDown(t *testing.T) {
	var disconnected []string
	rig := newRig(t, Hooks{
		OnPeerDisconnected: func(id string) { disconnected = append(disconnected, id) },
	})
	pid := rig.coord.PeerID()
	remote := smallerID(pid)

	rig.coord.handleOffer(envelope(t, wire.TypeOffer, remote,
		&wire.OfferPayload{SDP: wire.SDP{Type: "offer", SDP: "v=0"}}, pid))
	rig.factory.conn(0).fireState(webrtcpeer.StateConnected)

	rig.coord.handleHangup(envelope(t, wire.TypeHangup, remote, &wire.HangupPayload{Reason: "left table"}, pid))

	if !rig.factory.conn(0).closed {
		t.Fatalf("connection not closed on hangup")
	}
	if len(disconnected) != 1 || disconnected[0] != remote {
		t.Fatalf("disconnected = %v", disconnected)
	}

	// PeerLeft on an unknown peer is a no-op.
	rig.coord.PeerLeft("never-seen")
}

func TestLocalCandidatesWhisperedToTarget(t *testing.T) {
	rig := newRig(t, Hooks{})
	pid := rig.coord.PeerID()
	remote := smallerID(pid)

	rig.coord.handleOffer(envelope(t, wire.TypeOffer, remote,
		&wire.OfferPayload{SDP: wire.SDP{Type: "offer", SDP: "v=0"}}, pid))

	conn := rig.factory.conn(0)
	conn.mu.Lock()
	emit := conn.onCand
	conn.mu.Unlock()
	emit(wire.Candidate{Candidate: "candidate:local"})

	rig.trans.mu.Lock()
	whispers := append([]sentMsg(nil), rig.trans.whispered...)
	rig.trans.mu.Unlock()
	if len(whispers) != 1 || whispers[0].msgType != wire.TypeICECandidate || whispers[0].target != remote {
		t.Fatalf("whispers = %+v", whispers)
	}
}

func TestCloseCancelsEverything(t *testing.T) {
	rig := newRig(t, Hooks{})
	pid := rig.coord.PeerID()
	remote := largerID(pid)

	if err := rig.coord.Join(wire.Participant{UserID: wire.NumericID(1)}); err != nil {
		t.Fatalf("join: %v", err)
	}
	rig.coord.handleUserJoined(envelope(t, wire.TypeUserJoined, remote,
		&wire.UserJoinedPayload{Participant: wire.Participant{PeerID: remote, UserID: wire.NumericID(2)}}, ""))

	rig.coord.Close()

	if !rig.factory.conn(0).closed {
		t.Fatalf("connection survived Close")
	}
	if len(rig.coord.Participants()) != 0 {
		t.Fatalf("participants survived Close")
	}
	if err := rig.coord.AnnounceJoin(); err == nil {
		t.Fatalf("announce after Close should fail")
	}
}

func TestFactoryFailureSurfacesError(t *testing.T) {
	rig := newRig(t, Hooks{})
	rig.factory.err = errors.New("no api")
	pid := rig.coord.PeerID()
	remote := smallerID(pid)

	rig.coord.handleOffer(envelope(t, wire.TypeOffer, remote,
		&wire.OfferPayload{SDP: wire.SDP{Type: "offer", SDP: "v=0"}}, pid))

	errs := rig.errors()
	if len(errs) != 1 || errs[0].Kind != ErrKindICEFailed {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestSignalingErrorFormatting(t *testing.T) {
	err := &SignalingError{Kind: ErrKindICEFailed, PeerID: "p1", Err: fmt.Errorf("dtls died")}
	if got := err.Error(); got != "signaling ice-failed: peer p1: dtls died" {
		t.Fatalf("Error() = %q", got)
	}
	if !errors.Is(err, err.Err) {
		t.Fatalf("Unwrap broken")
	}
}
