// Package rtc keeps one WebRTC peer connection per viewer session and fans
// encoded tiles out over their data channels.
package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	// CongestionCeiling is the data channel backlog above which a peer
	// misses tiles until it drains.
	CongestionCeiling = 1_000_000

	TileChannelLabel = "tiles"
)

var (
	ErrPeerSend      = errors.New("failed to send tile to peer")
	ErrSignalPayload = errors.New("malformed signal payload")
	ErrPeerCreate    = errors.New("cannot create peer connection")
	ErrNegotiation   = errors.New("peer negotiation failed")
)

// ReplyFunc delivers a signaling payload back to the session that owns the peer.
type ReplyFunc func(data json.RawMessage)

// tileSink is the part of a data channel the fan-out needs.
type tileSink interface {
	Send([]byte) error
	BufferedAmount() uint64
	ReadyState() webrtc.DataChannelState
}

type Config struct {
	Logger     *zerolog.Logger
	ICEServers []string
	// OnConnect runs when the tile channel of a session opens.
	OnConnect func(sessionID string)
	// OnClose runs when the peer connection of a session fails or closes.
	OnClose func(sessionID string)
}

type peer struct {
	id      string
	pc      *webrtc.PeerConnection
	sink    tileSink
	pending []webrtc.ICECandidateInit
}

type Hub struct {
	logger    zerolog.Logger
	api       *webrtc.API
	pcConfig  webrtc.Configuration
	mx        *sync.RWMutex
	peers     map[string]*peer
	onConnect func(string)
	onClose   func(string)
}

// signalPayload covers offers, answers and trickled candidates.
type signalPayload struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

type BroadcastStats struct {
	Sent        int
	Congested   int
	Failed      int
	MaxBuffered uint64
}

func NewHub(cfg Config) *Hub {
	var ice []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	h := &Hub{
		logger:    cfg.Logger.With().Str("component", "rtc").Logger(),
		api:       webrtc.NewAPI(),
		pcConfig:  webrtc.Configuration{ICEServers: ice},
		mx:        &sync.RWMutex{},
		peers:     make(map[string]*peer),
		onConnect: cfg.OnConnect,
		onClose:   cfg.OnClose,
	}
	if h.onConnect == nil {
		h.onConnect = func(string) {}
	}
	if h.onClose == nil {
		h.onClose = func(string) {}
	}
	return h
}

// Signal applies one negotiation payload to the session's peer connection,
// creating it on first use. Local answers and candidates go out through reply.
func (h *Hub) Signal(sessionID string, data json.RawMessage, reply ReplyFunc) error {
	var msg signalPayload
	if err := json.Unmarshal(data, &msg); err != nil {
		return errors.Join(ErrSignalPayload, err)
	}

	p, err := h.getOrCreate(sessionID, reply)
	if err != nil {
		return err
	}
	logger := h.logger.With().Str("session", sessionID).Logger()

	switch {
	case msg.Type == webrtc.SDPTypeOffer.String():
		return h.handleOffer(p, msg.SDP, reply)

	case msg.Type == webrtc.SDPTypeAnswer.String():
		if err = p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  msg.SDP,
		}); err != nil {
			return errors.Join(ErrNegotiation, err)
		}
		return h.flushCandidates(p)

	case msg.Candidate != nil:
		if p.pc.RemoteDescription() == nil {
			h.mx.Lock()
			p.pending = append(p.pending, *msg.Candidate)
			h.mx.Unlock()
			return nil
		}
		if err = p.pc.AddICECandidate(*msg.Candidate); err != nil {
			return errors.Join(ErrNegotiation, err)
		}
		return nil
	}

	logger.Debug().RawJSON("data", data).Msg("signal payload ignored")
	return nil
}

func (h *Hub) handleOffer(p *peer, sdp string, reply ReplyFunc) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return errors.Join(ErrNegotiation, fmt.Errorf("set remote description: %w", err))
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return errors.Join(ErrNegotiation, fmt.Errorf("create answer: %w", err))
	}
	if err = p.pc.SetLocalDescription(answer); err != nil {
		return errors.Join(ErrNegotiation, fmt.Errorf("set local description: %w", err))
	}

	out, err := json.Marshal(signalPayload{Type: answer.Type.String(), SDP: answer.SDP})
	if err != nil {
		return err
	}
	reply(out)
	return h.flushCandidates(p)
}

func (h *Hub) flushCandidates(p *peer) error {
	h.mx.Lock()
	pending := p.pending
	p.pending = nil
	h.mx.Unlock()

	var errs []error
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrNegotiation}, errs...)...)
	}
	return nil
}

func (h *Hub) getOrCreate(sessionID string, reply ReplyFunc) (*peer, error) {
	h.mx.Lock()
	defer h.mx.Unlock()

	if p, ok := h.peers[sessionID]; ok {
		return p, nil
	}
	p, err := h.newPeer(sessionID, reply)
	if err != nil {
		return nil, err
	}
	h.peers[sessionID] = p
	h.logger.Debug().Str("session", sessionID).Msg("peer connection created")
	return p, nil
}

func (h *Hub) newPeer(sessionID string, reply ReplyFunc) (*peer, error) {
	logger := h.logger.With().Str("session", sessionID).Logger()

	pc, err := h.api.NewPeerConnection(h.pcConfig)
	if err != nil {
		return nil, errors.Join(ErrPeerCreate, err)
	}

	// Tiles are useless once late, so the channel never retransmits or reorders.
	ordered := false
	maxRetransmits := uint16(0)
	dc, err := pc.CreateDataChannel(TileChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		_ = pc.Close()
		return nil, errors.Join(ErrPeerCreate, err)
	}
	p := &peer{id: sessionID, pc: pc, sink: dc}

	dc.OnOpen(func() {
		logger.Info().Msg("tile channel open")
		h.onConnect(sessionID)
	})
	dc.OnClose(func() {
		logger.Debug().Msg("tile channel closed")
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		out, err := json.Marshal(signalPayload{Candidate: &init})
		if err != nil {
			logger.Error().Err(err).Msg("cannot marshal local candidate")
			return
		}
		reply(out)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug().Str("state", state.String()).Msg("peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if h.remove(sessionID, p) {
				_ = pc.Close()
				h.onClose(sessionID)
			}
		}
	})
	return p, nil
}

// remove drops p if it is still the registered peer of the session.
func (h *Hub) remove(sessionID string, p *peer) bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	if cur, ok := h.peers[sessionID]; ok && cur == p {
		delete(h.peers, sessionID)
		return true
	}
	return false
}

// Close tears down the peer connection of a session, if any.
func (h *Hub) Close(sessionID string) {
	h.mx.Lock()
	p, ok := h.peers[sessionID]
	delete(h.peers, sessionID)
	h.mx.Unlock()

	if ok && p.pc != nil {
		if err := p.pc.Close(); err != nil {
			h.logger.Warn().Err(err).Str("session", sessionID).Msg("error closing peer connection")
		}
	}
}

func (h *Hub) CloseAll() {
	h.mx.RLock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	h.mx.RUnlock()

	for _, id := range ids {
		h.Close(id)
	}
}

// Count returns the number of peers with an open tile channel.
func (h *Hub) Count() int {
	h.mx.RLock()
	defer h.mx.RUnlock()

	var n int
	for _, p := range h.peers {
		if p.sink.ReadyState() == webrtc.DataChannelStateOpen {
			n++
		}
	}
	return n
}

// Broadcast sends tile to every open peer whose backlog is under the
// congestion ceiling. Congested and failing peers only miss this tile.
func (h *Hub) Broadcast(tile []byte) BroadcastStats {
	h.mx.RLock()
	targets := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		targets = append(targets, p)
	}
	h.mx.RUnlock()

	var stats BroadcastStats
	for _, p := range targets {
		if p.sink.ReadyState() != webrtc.DataChannelStateOpen {
			continue
		}
		buffered := p.sink.BufferedAmount()
		stats.MaxBuffered = max(stats.MaxBuffered, buffered)
		if buffered > CongestionCeiling {
			stats.Congested++
			continue
		}
		if err := p.sink.Send(tile); err != nil {
			stats.Failed++
			h.logger.Warn().Err(errors.Join(ErrPeerSend, err)).Str("session", p.id).Msg("tile skipped")
			continue
		}
		stats.Sent++
	}
	return stats
}
