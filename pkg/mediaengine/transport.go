package mediaengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// SessionDescription mirrors webrtc.SessionDescription for callers that
// don't want to import pion directly.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type incomingTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

// Transport wraps one PeerConnection: a send transport carries a
// client's outbound tracks to the server (producers attach to it via
// OnTrack), a recv transport carries server-selected tracks back to the
// client (consumers attach to it via AddTrack).
type Transport struct {
	ID        string
	RoomName  string
	ClientID  string
	Direction Direction

	pc *webrtc.PeerConnection

	mu            sync.Mutex
	closed        bool
	closeHandlers []func(reason string)
	onNegotiation func(SessionDescription)

	tracksMu sync.Mutex
	pending  map[Kind]chan incomingTrack
	claimed  map[Kind]bool
}

func newTransport(id string, router *Router, worker *Worker, clientID string, direction Direction) (*Transport, error) {
	iceServers := router.cfg.ICEServers

	pc, err := worker.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("mediaengine: new peer connection: %w", err)
	}

	t := &Transport{
		ID:        id,
		RoomName:  router.name,
		ClientID:  clientID,
		Direction: direction,
		pc:        pc,
		pending:   make(map[Kind]chan incomingTrack, 2),
		claimed:   make(map[Kind]bool, 2),
	}
	t.pending[KindAudio] = make(chan incomingTrack, 1)
	t.pending[KindVideo] = make(chan incomingTrack, 1)

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		kind := KindVideo
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			kind = KindAudio
		}
		select {
		case t.pending[kind] <- incomingTrack{track: track, receiver: receiver}:
		default:
			// A track of this kind already arrived and is waiting to be
			// claimed by createProducer; additional tracks of the same
			// kind on one transport aren't supported.
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateClosed:
			t.Close("close")
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			t.Close("routerclose")
		}
	})

	return t, nil
}

// Connect applies the remote description (the client's offer) and
// returns the local answer. Safe to call once per transport; later calls
// are treated as renegotiation offers from the client.
func (t *Transport) Connect(offer SessionDescription) (SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(offer.Type),
		SDP:  offer.SDP,
	}); err != nil {
		return SessionDescription{}, fmt.Errorf("mediaengine: set remote description: %w", err)
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("mediaengine: create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, fmt.Errorf("mediaengine: set local description: %w", err)
	}

	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// OnICECandidate forwards locally gathered ICE candidates as they trickle
// in. The adapter relays them to the owning client over the signaling
// channel.
func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// AddICECandidate applies a remote trickle candidate.
func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

// OnNegotiationNeeded registers the callback fired when the server side
// changes the set of tracks on a recv transport (consumer added) after
// the initial offer/answer, requiring a fresh offer to the client.
func (t *Transport) OnNegotiationNeeded(fn func(SessionDescription)) {
	t.mu.Lock()
	t.onNegotiation = fn
	t.mu.Unlock()

	t.pc.OnNegotiationNeeded(func() {
		offer, err := t.pc.CreateOffer(nil)
		if err != nil {
			return
		}
		if err := t.pc.SetLocalDescription(offer); err != nil {
			return
		}
		t.mu.Lock()
		cb := t.onNegotiation
		t.mu.Unlock()
		if cb != nil {
			cb(SessionDescription{Type: offer.Type.String(), SDP: offer.SDP})
		}
	})
}

// waitForTrack blocks until a track of kind arrives on this transport, or
// ctx is done. Each kind can be claimed at most once.
func (t *Transport) waitForTrack(ctx context.Context, kind Kind) (incomingTrack, error) {
	t.tracksMu.Lock()
	if t.claimed[kind] {
		t.tracksMu.Unlock()
		return incomingTrack{}, fmt.Errorf("mediaengine: transport %s already has a %s producer", t.ID, kind)
	}
	ch := t.pending[kind]
	t.tracksMu.Unlock()

	select {
	case it := <-ch:
		t.tracksMu.Lock()
		t.claimed[kind] = true
		t.tracksMu.Unlock()
		return it, nil
	case <-ctx.Done():
		return incomingTrack{}, ctx.Err()
	}
}

// OnClose registers a handler invoked exactly once when the transport
// closes, whether by explicit CloseTransport or by the underlying
// PeerConnection failing or closing on its own.
func (t *Transport) OnClose(fn func(reason string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandlers = append(t.closeHandlers, fn)
}

// Close is idempotent: a second call is a no-op.
func (t *Transport) Close(reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	handlers := t.closeHandlers
	t.mu.Unlock()

	_ = t.pc.Close()
	for _, h := range handlers {
		h(reason)
	}
}

// AddLocalTrack attaches a consumer's outbound track to this recv
// transport and returns the resulting RTP sender.
func (t *Transport) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return t.pc.AddTrack(track)
}

// RemoveLocalTrack detaches a previously added sender.
func (t *Transport) RemoveLocalTrack(sender *webrtc.RTPSender) error {
	return t.pc.RemoveTrack(sender)
}
