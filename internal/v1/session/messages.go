package session

import "encoding/json"

// inbound is the superset of fields any client→server message type in
// spec §6 may carry. Handlers read only the fields their message type
// defines; unused fields are simply left zero. This mirrors the
// teacher's own habit of decoding a connection's frames into one fairly
// permissive envelope before dispatch (session/types.go), adapted here
// from a protobuf oneof to this spec's plain-JSON wire format.
type inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// join / leaveRoom / sfu.* room-scoped fields
	Room string `json:"room,omitempty"`
	Role string `json:"role,omitempty"`

	// ice / offer / answer / candidate relay
	To string `json:"to,omitempty"`

	// sfu.createTransport
	Direction string `json:"direction,omitempty"`

	// sfu.connectTransport / sfu.produce / sfu.consume
	TransportID string `json:"transportId,omitempty"`

	// sfu.produce / sfu.consume
	Kind       string `json:"kind,omitempty"`
	ProducerID string `json:"producerId,omitempty"`

	// carried opaque to the media engine adapter; this engine's pion
	// transports use an SDP offer/answer exchange in place of mediasoup's
	// discrete dtlsParameters/rtpParameters/rtpCapabilities, so these
	// fields are decoded as a raw SessionDescription-shaped payload
	// rather than interpreted by the session layer itself.
	DtlsParameters  json.RawMessage `json:"dtlsParameters,omitempty"`
	RtpParameters   json.RawMessage `json:"rtpParameters,omitempty"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities,omitempty"`

	// sfu.startRecording / sfu.stopRecording (spec §9 open question:
	// explicit messages only, no automatic path unless Config.AutoRecordVideo)
	IP          string `json:"ip,omitempty"`
	Port        int    `json:"port,omitempty"`
	Codec       string `json:"codec,omitempty"`
	PayloadType int    `json:"payloadType,omitempty"`
	SSRC        uint32 `json:"ssrc,omitempty"`

	// raw holds the undecoded frame for the legacy ice/offer/answer/
	// candidate relay, which forwards the message largely unchanged
	// (spec §4.4) rather than through a fixed reply shape. Populated by
	// readPump after decode, never itself unmarshaled from JSON.
	raw json.RawMessage
}

// sdpPayload is the {type, sdp} shape this engine's sfu.connectTransport
// carries inside dtlsParameters, and the shape of the answer handed back
// in sfu.transportConnected.
type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func errorMessage(msg string) map[string]any {
	return map[string]any{"type": "error", "message": msg}
}

func withRequestID(payload map[string]any, requestID string) map[string]any {
	if requestID != "" {
		payload["requestId"] = requestID
	}
	return payload
}
