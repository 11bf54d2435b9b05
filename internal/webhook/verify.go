// Package webhook verifies carrier webhook signatures the way Twilio signs
// them: HMAC-SHA1 over the URL the carrier believes it called, concatenated
// with every form-body key+value pair in sorted key order, compared in
// constant time. Reconstructing "the URL the carrier believes it called" is
// the hard part once a reverse proxy or tunnel sits in front of this
// process, so Verify also carries the proxy-aware URL reconstruction rules.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Result is the outcome of a signature check.
type Result struct {
	OK            bool
	Reason        string
	URL           string
	NgrokFreeTier bool
}

// Verify checks the X-Twilio-Signature header of r against authToken.
// overridePublicURL, if non-empty, supplies the origin to use for URL
// reconstruction instead of proxy headers (see ReconstructURL).
func Verify(r *http.Request, form url.Values, authToken, overridePublicURL string) Result {
	reconstructed := ReconstructURL(r, overridePublicURL)

	expected := Sign(reconstructed, form, authToken)
	got := r.Header.Get("X-Twilio-Signature")

	if got == "" || !hmac.Equal([]byte(expected), []byte(got)) {
		res := Result{OK: false, Reason: "signature mismatch", URL: reconstructed}
		res.NgrokFreeTier = isNgrokFreeTierHost(hostOf(reconstructed))
		return res
	}
	return Result{OK: true, URL: reconstructed}
}

// Sign computes the expected Twilio-style signature: base64(HMAC-SHA1(url +
// sorted "key"+"value" pairs, authToken)).
func Sign(reconstructedURL string, form url.Values, authToken string) string {
	var b strings.Builder
	b.WriteString(reconstructedURL)

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ReconstructURL rebuilds the URL the carrier used to sign its request.
// Priority: (1) overridePublicURL's origin + the request's path and query;
// else (2) X-Forwarded-Proto + the first set of X-Forwarded-Host,
// X-Original-Host, Ngrok-Forwarded-Host, Host — with the port stripped from
// whichever host wins.
func ReconstructURL(r *http.Request, overridePublicURL string) string {
	pathAndQuery := r.URL.Path
	if r.URL.RawQuery != "" {
		pathAndQuery += "?" + r.URL.RawQuery
	}

	if overridePublicURL != "" {
		if u, err := url.Parse(overridePublicURL); err == nil {
			return u.Scheme + "://" + u.Host + pathAndQuery
		}
	}

	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
	}

	host := firstNonEmpty(
		r.Header.Get("X-Forwarded-Host"),
		r.Header.Get("X-Original-Host"),
		r.Header.Get("Ngrok-Forwarded-Host"),
		r.Host,
	)
	host = stripPort(host)

	return scheme + "://" + host + pathAndQuery
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func isNgrokFreeTierHost(host string) bool {
	return strings.HasSuffix(host, ".ngrok-free.app") || strings.HasSuffix(host, ".ngrok.io")
}
