// Package trace implements the structured JSONL trace event sink.
package trace

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Event is one structured trace record: event type, the caller spec, the
// target of the access, the phase it occurred in, and whether it was
// allowed.
type Event struct {
	RunID   string `json:"run_id"`
	EventID string `json:"event_id"`
	Event   string `json:"event"`
	Spec    string `json:"spec,omitempty"`
	Target  string `json:"target,omitempty"`
	Phase   string `json:"phase,omitempty"`
	Allowed *bool  `json:"allowed,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event type names.
const (
	EventPhaseComplete           = "phase_complete"
	EventPhaseStart              = "phase_start"
	EventCtxPackageAccess        = "lua_ctx_package_access"
	EventCtxProductAccess        = "lua_ctx_product_access"
	EventCtxAssetAccess          = "lua_ctx_asset_access"
	EventCtxLoadenvSpecAccess    = "lua_ctx_loadenv_spec_access"
)

// Sink accumulates or streams Events. Writes are safe for concurrent use by
// multiple scheduler workers.
type Sink struct {
	mu    sync.Mutex
	w     io.Writer
	runID string
	enc   *json.Encoder
}

// NewSink creates a Sink that writes one JSON object per line to w. If w is
// nil, events are silently dropped; tracing is opt-in, enabled by passing a
// destination writer (e.g. backing "--trace=<path>" or "--trace=-" on the CLI).
func NewSink(w io.Writer) *Sink {
	s := &Sink{w: w, runID: uuid.NewString()}
	if w != nil {
		s.enc = json.NewEncoder(w)
	}
	return s
}

// Emit records one event, stamping it with this sink's run ID and a fresh
// event ID.
func (s *Sink) Emit(e Event) {
	if s == nil || s.w == nil {
		return
	}
	e.RunID = s.runID
	e.EventID = uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(e)
}

// Allowed is a small helper so call sites can write trace.Allowed(true)
// instead of constructing a *bool inline.
func Allowed(v bool) *bool { return &v }
