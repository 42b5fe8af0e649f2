package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/fableboard/roomcore/internal/wire"
)

// gameChannelLabel is the data channel both sides converge on; the offering
// side creates it, the answering side adopts it via OnDataChannel.
const gameChannelLabel = "game"

func NewAPI(logger *slog.Logger) *webrtc.API {
	if logger == nil {
		logger = slog.Default()
	}
	se := webrtc.SettingEngine{
		LoggerFactory: slogLoggerFactory{log: logger},
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// PionFactory builds real pion-backed connections.
type PionFactory struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Log        *slog.Logger
}

func (f *PionFactory) NewConn() (Conn, error) {
	api := f.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	log := f.Log
	if log == nil {
		log = slog.Default()
	}
	c := &pionConn{pc: pc, log: log}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onCandidate
		c.mu.Unlock()
		if fn != nil {
			fn(wire.CandidateFromPion(cand.ToJSON()))
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(stateFromPion(state))
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != gameChannelLabel {
			log.Debug("ignoring unexpected data channel", "label", dc.Label())
			_ = dc.Close()
			return
		}
		c.adoptChannel(dc)
	})

	return c, nil
}

type pionConn struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu          sync.Mutex
	dc          *webrtc.DataChannel
	dcOpen      bool
	onCandidate func(wire.Candidate)
	onState     func(ConnState)
	onMessage   func([]byte)

	closeOnce sync.Once
}

func (c *pionConn) OnLocalCandidate(fn func(wire.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *pionConn) OnStateChange(fn func(ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *pionConn) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *pionConn) adoptChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		c.dcOpen = true
		c.mu.Unlock()
	})
	dc.OnClose(func() {
		c.mu.Lock()
		c.dcOpen = false
		c.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			// Copy because pion reuses internal buffers.
			fn(append([]byte(nil), msg.Data...))
		}
	})
}

func (c *pionConn) CreateOffer(ctx context.Context) (wire.SDP, error) {
	dc, err := c.pc.CreateDataChannel(gameChannelLabel, nil)
	if err != nil {
		return wire.SDP{}, fmt.Errorf("create data channel: %w", err)
	}
	c.adoptChannel(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return wire.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return wire.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return wire.SDPFromPion(offer), ctx.Err()
}

func (c *pionConn) AcceptOffer(ctx context.Context, offer wire.SDP) (wire.SDP, error) {
	desc, err := offer.ToPion()
	if err != nil {
		return wire.SDP{}, err
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return wire.SDP{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return wire.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return wire.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return wire.SDPFromPion(answer), ctx.Err()
}

func (c *pionConn) AcceptAnswer(answer wire.SDP) error {
	desc, err := answer.ToPion()
	if err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (c *pionConn) AddRemoteCandidate(cand wire.Candidate) error {
	if err := c.pc.AddICECandidate(cand.ToPion()); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (c *pionConn) Send(data []byte) error {
	c.mu.Lock()
	dc, open := c.dc, c.dcOpen
	c.mu.Unlock()
	if dc == nil || !open {
		return fmt.Errorf("game channel not open")
	}
	return dc.Send(data)
}

func (c *pionConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.pc.Close()
	})
	return err
}
