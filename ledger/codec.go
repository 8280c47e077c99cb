package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireState is the JSON document shared by the file and redis stores:
// {"last_check": "...", "seen_invoices": [{"h": "<sha256 hex>", "ts": "..."}]}
type wireState struct {
	LastCheck    string            `json:"last_check,omitempty"`
	SeenInvoices []json.RawMessage `json:"seen_invoices"`
}

type wireEntry struct {
	H  string `json:"h"`
	TS string `json:"ts"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp reads layouts without an offset as wall-clock time in loc.
func parseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// EncodeState renders state as the JSON document.
func EncodeState(state *SyncState) ([]byte, error) {
	w := wireState{SeenInvoices: make([]json.RawMessage, 0, len(state.Seen))}
	if state.LastCheck != nil {
		w.LastCheck = state.LastCheck.Format(time.RFC3339Nano)
	}
	for _, e := range state.Seen {
		raw, err := json.Marshal(wireEntry{H: e.Hash, TS: e.SeenAt.Format(time.RFC3339Nano)})
		if err != nil {
			return nil, fmt.Errorf("[EncodeState] %w", err)
		}
		w.SeenInvoices = append(w.SeenInvoices, raw)
	}
	return json.MarshalIndent(w, "", "  ")
}

// DecodeState parses the JSON document. Entries that are not {h, ts} objects,
// such as the bare digest strings of the earlier format, are counted in
// Dropped and skipped. An unparsable last_check is treated as absent.
// Timestamps written without an offset are read in loc, or UTC when loc is nil.
func DecodeState(data []byte, loc *time.Location) (*SyncState, error) {
	if loc == nil {
		loc = time.UTC
	}
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("[DecodeState] %w", err)
	}

	state := &SyncState{}
	if t, ok := parseTimestamp(w.LastCheck, loc); ok {
		state.LastCheck = &t
	}
	for _, raw := range w.SeenInvoices {
		var e wireEntry
		if err := json.Unmarshal(raw, &e); err != nil || e.H == "" {
			state.Dropped++
			continue
		}
		ts, ok := parseTimestamp(e.TS, loc)
		if !ok {
			state.Dropped++
			continue
		}
		state.Seen = append(state.Seen, Entry{Hash: e.H, SeenAt: ts})
	}
	return state, nil
}
