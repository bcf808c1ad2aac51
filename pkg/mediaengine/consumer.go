package mediaengine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Consumer is a server-side source for one outbound track to a client,
// bound to exactly one Producer.
type Consumer struct {
	ID          string
	ClientID    string
	TransportID string
	ProducerID  string
	Kind        Kind

	transport *Transport
	track     *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender
	producer  *Producer

	mu            sync.Mutex
	paused        bool
	closed        bool
	closeHandlers []func(reason string)
}

func createConsumer(id string, transport *Transport, producer *Producer, clientID string) (*Consumer, error) {
	if transport.Direction != DirectionRecv {
		return nil, fmt.Errorf("mediaengine: transport %s is not a recv transport", transport.ID)
	}

	mimeType := webrtc.MimeTypeVP8
	if producer.Kind == KindAudio {
		mimeType = webrtc.MimeTypeOpus
	}
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		string(producer.Kind), "consumer-"+uuid.NewString(),
	)
	if err != nil {
		return nil, fmt.Errorf("mediaengine: new local track: %w", err)
	}

	sender, err := transport.AddLocalTrack(track)
	if err != nil {
		return nil, fmt.Errorf("mediaengine: add local track: %w", err)
	}

	c := &Consumer{
		ID:          id,
		ClientID:    clientID,
		TransportID: transport.ID,
		ProducerID:  producer.ID,
		Kind:        producer.Kind,
		transport:   transport,
		track:       track,
		sender:      sender,
		producer:    producer,
		paused:      true,
	}

	// Drain RTCP so the sender's internal interceptors don't block.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	producer.AddConsumer(c)
	transport.OnClose(func(reason string) { c.Close(reason) })
	producer.OnClose(func(reason string) { c.Close(reason) })

	return c, nil
}

// write forwards one relayed packet to the client, if the consumer is not
// paused. Errors are swallowed: a write failure means the underlying
// transport is already dying and will drive Close via its own callback.
func (c *Consumer) write(pkt *rtp.Packet) {
	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()
	if paused {
		return
	}
	_ = c.track.WriteRTP(pkt)
}

// Resume starts forwarding packets. The outbound track was already added
// to the transport by createConsumer, which is what fires the transport's
// negotiation-needed callback; Resume only clears the paused flag and
// always returns nil.
func (c *Consumer) Resume() error {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return nil
}

// Pause stops forwarding without tearing down the consumer.
func (c *Consumer) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// OnClose registers a handler fired exactly once when the consumer
// closes, whether explicitly or because its transport or producer did.
func (c *Consumer) OnClose(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		fn("close")
		return
	}
	c.closeHandlers = append(c.closeHandlers, fn)
}

// Close is idempotent.
func (c *Consumer) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handlers := c.closeHandlers
	c.mu.Unlock()

	c.producer.RemoveConsumer(c.ID)
	_ = c.transport.RemoveLocalTrack(c.sender)
	for _, h := range handlers {
		h(reason)
	}
}
