package bridge

// mediaFrame is the carrier media-stream wire shape: JSON messages tagged
// by "event". Only the fields each event type actually carries are
// populated; the rest are left zero.
type mediaFrame struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid,omitempty"`
	Start     *startPayload   `json:"start,omitempty"`
	Media     *mediaPayload   `json:"media,omitempty"`
	Mark      *markPayload    `json:"mark,omitempty"`
}

type startPayload struct {
	StreamSID      string `json:"streamSid"`
	CallSID        string `json:"callSid"`
	ProviderCallID string `json:"providerCallId,omitempty"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

func outboundMediaFrame(streamSID, base64Payload string) mediaFrame {
	return mediaFrame{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &mediaPayload{Payload: base64Payload},
	}
}

func outboundMarkFrame(streamSID, name string) mediaFrame {
	return mediaFrame{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      &markPayload{Name: name},
	}
}
