package callmgr

import (
	"encoding/json"
	"net/url"
	"strings"
)

// journalKeyOf extracts the callId field from one journal line without
// decoding the full record, so replay can group lines cheaply.
func journalKeyOf(line []byte) (string, bool) {
	var probe struct {
		CallID string `json:"callId"`
	}
	if err := json.Unmarshal(line, &probe); err != nil || probe.CallID == "" {
		return "", false
	}
	return probe.CallID, true
}

func decodeRecord(line []byte) (*CallRecord, bool) {
	var rec CallRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, false
	}
	if rec.ProcessedEventIDs == nil {
		rec.ProcessedEventIDs = make(map[string]bool)
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string)
	}
	return &rec, true
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}
