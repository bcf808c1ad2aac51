package mediaengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var rtpPacketPool = sync.Pool{
	New: func() any { return &rtp.Packet{} },
}

// Producer is a server-side sink for one client's inbound track. It owns
// the RTP relay loop that fans incoming packets out to every attached
// Consumer.
type Producer struct {
	ID           string
	RoomName     string
	ClientID     string
	TransportID  string
	Kind         Kind
	CreatedAt    time.Time

	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	rawBuf   [1500]byte // owned exclusively by this producer's relay goroutine

	mu            sync.RWMutex
	consumers     map[string]*Consumer
	closed        bool
	closeHandlers []func(reason string)
}

// createProducer claims the next unclaimed track of kind on transport and
// starts relaying it. It blocks until the track arrives (the client's
// offer must already carry it) or ctx is done.
func createProducer(ctx context.Context, id string, transport *Transport, kind Kind, roomName, clientID string) (*Producer, error) {
	if transport.Direction != DirectionSend {
		return nil, fmt.Errorf("mediaengine: transport %s is not a send transport", transport.ID)
	}

	it, err := transport.waitForTrack(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("mediaengine: waiting for %s track: %w", kind, err)
	}

	p := &Producer{
		ID:          id,
		RoomName:    roomName,
		ClientID:    clientID,
		TransportID: transport.ID,
		Kind:        kind,
		CreatedAt:   time.Now(),
		track:       it.track,
		receiver:    it.receiver,
		consumers:   make(map[string]*Consumer),
	}

	transport.OnClose(func(reason string) { p.Close(reason) })

	go p.relay()

	return p, nil
}

// relay reads RTP packets off the remote track and writes them to every
// currently attached consumer's local track.
func (p *Producer) relay() {
	for {
		pkt := rtpPacketPool.Get().(*rtp.Packet)
		n, _, err := p.track.Read(p.rawBuf[:])
		if err != nil {
			rtpPacketPool.Put(pkt)
			p.Close("close")
			return
		}
		if err := pkt.Unmarshal(p.rawBuf[:n]); err != nil {
			rtpPacketPool.Put(pkt)
			continue
		}

		p.mu.RLock()
		for _, c := range p.consumers {
			c.write(pkt)
		}
		p.mu.RUnlock()

		pkt.Header = rtp.Header{}
		rtpPacketPool.Put(pkt)
	}
}

// AddConsumer subscribes c to this producer's relayed packets.
func (p *Producer) AddConsumer(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.consumers[c.ID] = c
}

// RemoveConsumer unsubscribes c; a no-op if it was never subscribed.
func (p *Producer) RemoveConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// RTPSource reports the payload type, SSRC and codec MIME type of the
// remote track this producer relays, for collaborators (the Recorder)
// that need to receive the same RTP stream directly rather than through
// a Consumer.
func (p *Producer) RTPSource() (payloadType uint8, ssrc uint32, mimeType string) {
	return uint8(p.track.PayloadType()), uint32(p.track.SSRC()), p.track.Codec().MimeType
}

// OnClose registers a handler fired exactly once when the producer
// closes, whether explicitly or because its owning transport closed.
func (p *Producer) OnClose(fn func(reason string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		fn("close")
		return
	}
	p.closeHandlers = append(p.closeHandlers, fn)
}

// Close is idempotent.
func (p *Producer) Close(reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handlers := p.closeHandlers
	p.mu.Unlock()

	_ = p.receiver.Stop()
	for _, h := range handlers {
		h(reason)
	}
}
