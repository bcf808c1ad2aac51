package mediaengine

import "github.com/pion/webrtc/v3"

// Kind is the media kind of a producer or consumer track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Direction is the flow of media across a transport, relative to the
// client: send carries client-to-server media (producers attach here),
// recv carries server-to-client media (consumers attach here).
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// registerCodecs builds the codec set every router advertises: Opus for
// audio, VP8 and H264 (baseline) for video. This is the full list a
// worker's MediaEngine knows how to negotiate; a given PeerConnection
// only ever uses the subset the remote SDP offers.
func registerCodecs(m *webrtc.MediaEngine) error {
	audioCodecs := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
			},
			PayloadType: 111,
		},
	}
	for _, c := range audioCodecs {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}

	videoCodecs := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
			},
			PayloadType: 96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			},
			PayloadType: 102,
		},
	}
	for _, c := range videoCodecs {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}

	return nil
}

// RTPCapabilities is the codec set a router is willing to negotiate,
// handed to clients in sfu.transportCreated so they can shape their own
// offers and sfu.consume's rtpCapabilities.
type RTPCapabilities struct {
	Codecs []webrtc.RTPCodecParameters `json:"codecs"`
}

func capabilitiesFor(kind Kind) RTPCapabilities {
	switch kind {
	case KindAudio:
		return RTPCapabilities{Codecs: []webrtc.RTPCodecParameters{{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			PayloadType:        111,
		}}}
	default:
		return RTPCapabilities{Codecs: []webrtc.RTPCodecParameters{
			{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, PayloadType: 96},
			{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000}, PayloadType: 102},
		}}
	}
}
