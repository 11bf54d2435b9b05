// Package gemini drives a call through Google's Gemini Live API instead of
// OpenAI's realtime websocket. It satisfies the same model.Session contract
// so the audio bridge and call manager don't need to know which backend is
// in play for a given call.
package gemini

import "net/http"

// Option configures the Provider.
type Option func(*Provider)

// WithBaseURL records a base URL on the Provider (default
// https://generativelanguage.googleapis.com/v1beta). Sessions do not use
// it: the genai client connects to the SDK's own default endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// WithHTTPClient records an HTTP client on the Provider. Sessions do not
// use it: the genai client uses the SDK's own transport.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}
