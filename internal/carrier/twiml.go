package carrier

import "encoding/xml"

// twimlResponse is the minimal control document this orchestrator ever
// sends: either a media-stream connect instruction or a pause, never a
// prompt — speech is entirely driven by the model session over the media
// stream, not by carrier-side TwiML verbs.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Pause   *twimlPause   `xml:"Pause,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

type twimlPause struct {
	Length int `xml:"length,attr"`
}

func connectStreamDocument(streamURL string) []byte {
	resp := twimlResponse{Connect: &twimlConnect{Stream: twimlStream{URL: streamURL}}}
	out, _ := xml.MarshalIndent(resp, "", "  ")
	return append([]byte(xml.Header), out...)
}

func pauseDocument(seconds int) []byte {
	resp := twimlResponse{Pause: &twimlPause{Length: seconds}}
	out, _ := xml.MarshalIndent(resp, "", "  ")
	return append([]byte(xml.Header), out...)
}

func emptyDocument() []byte {
	out, _ := xml.MarshalIndent(twimlResponse{}, "", "  ")
	return append([]byte(xml.Header), out...)
}
