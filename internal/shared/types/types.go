package types

import (
	"encoding/json"
	"sync"
)

// ResultField names the extras slot a diagnostic outcome is written to.
type ResultField string

const (
	FieldLatency ResultField = "delayResult"
	FieldSpeed   ResultField = "speedResult"
)

// DiagKind distinguishes the two diagnostics in logs and history records.
type DiagKind string

const (
	KindLatency DiagKind = "latency"
	KindSpeed   DiagKind = "speed"
)

// DiagOutcome describes one diagnostic result write. Index is the row the job was
// dispatched for and may be stale by delivery time; consumers must resolve the
// current row through the profile ID.
type DiagOutcome struct {
	Index   int
	Profile *ServerProfile
	Field   ResultField
	Seq     uint64
}

// OutcomeSink receives diagnostic outcomes, typically the result projection.
type OutcomeSink interface {
	OnOutcome(out DiagOutcome)
}

// OutcomeFunc adapts a plain function to an OutcomeSink.
type OutcomeFunc func(out DiagOutcome)

func (f OutcomeFunc) OnOutcome(out DiagOutcome) { f(out) }

// ResultRecorder persists terminal diagnostic results. Implementations must be
// safe for concurrent use; a nil recorder is valid and means "do not record".
type ResultRecorder interface {
	RecordResult(profileID, remarks string, kind DiagKind, result string)
}

// Extras holds the mutable per-profile scratch fields that diagnostics write and
// the table view renders. Every write bumps a monotonic per-profile sequence so
// downstream consumers can discard stale results from superseded jobs.
type Extras struct {
	mu  sync.RWMutex
	seq uint64
	m   map[string]string
}

func NewExtras() *Extras {
	return &Extras{m: make(map[string]string)}
}

// Set stores value under key and returns the new sequence number.
func (e *Extras) Set(key, value string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.m == nil {
		e.m = make(map[string]string)
	}
	e.m[key] = value
	e.seq++
	return e.seq
}

func (e *Extras) Get(key string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.m[key]
}

// Seq returns the sequence number of the most recent write.
func (e *Extras) Seq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq
}

// Snapshot returns a copy of the current key/value pairs.
func (e *Extras) Snapshot() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.m))
	for k, v := range e.m {
		out[k] = v
	}
	return out
}

func (e *Extras) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Snapshot())
}

func (e *Extras) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m = m
	return nil
}
