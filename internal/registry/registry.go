package registry

import (
	"slices"
	"sync"
	"time"
)

const (
	DefaultHighWater = 5000
	DefaultTrimTo    = 3000
)

// Session is the bookkeeping kept for one active call.
type Session struct {
	ConversationID string
	ConsultationID string
	StreamHandle   string // empty until the transport confirms stream start
	StartedAt      time.Time
	Active         bool
	LastTranscript string

	processed map[string]uint64 // event key -> insertion sequence
	seq       uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithEventBound sets the idempotency-set high-water mark and the size it is trimmed back to.
func WithEventBound(highWater, trimTo int) Option {
	return func(r *Registry) {
		if highWater > 0 {
			r.highWater = highWater
		}
		if trimTo > 0 && trimTo < r.highWater {
			r.trimTo = trimTo
		}
	}
}

// WithClock overrides time.Now for StartedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry maps conversation ids to call sessions. One mutex guards every session.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	highWater int
	trimTo    int
	now       func() time.Time
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*Session),
		highWater: DefaultHighWater,
		trimTo:    DefaultTrimTo,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.trimTo >= r.highWater {
		r.trimTo = max(r.highWater*3/5, 1)
	}
	return r
}

// Start creates the session entry, replacing any existing entry for id.
func (r *Registry) Start(id, consultationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &Session{
		ConversationID: id,
		ConsultationID: consultationID,
		StartedAt:      r.now(),
		Active:         true,
		processed:      make(map[string]uint64),
	}
}

// UpdateStreamHandle records the transport stream identifier.
func (r *Registry) UpdateStreamHandle(id, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.StreamHandle = handle
	}
}

// UpdateTranscript stores a transcript checkpoint. Checkpoints can land out of order,
// so a snapshot shorter than the stored one is ignored.
func (r *Registry) UpdateTranscript(id, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || len(text) < len(s.LastTranscript) {
		return
	}
	s.LastTranscript = text
}

// End marks the session inactive. The entry stays until Cleanup.
func (r *Registry) End(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Active = false
	}
}

// MarkEventProcessed reports whether key is new for the call and records it.
// Unknown call ids fail open and return true.
func (r *Registry) MarkEventProcessed(id, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return true
	}
	if _, seen := s.processed[key]; seen {
		return false
	}
	s.seq++
	s.processed[key] = s.seq
	if len(s.processed) > r.highWater {
		r.trim(s)
	}
	return true
}

// trim drops the oldest keys until trimTo remain.
func (r *Registry) trim(s *Session) {
	if r.trimTo <= 0 || r.trimTo > len(s.processed) {
		return
	}
	seqs := make([]uint64, 0, len(s.processed))
	for _, n := range s.processed {
		seqs = append(seqs, n)
	}
	slices.Sort(seqs)
	cutoff := seqs[len(seqs)-r.trimTo]
	for k, n := range s.processed {
		if n < cutoff {
			delete(s.processed, k)
		}
	}
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	snap := *s
	snap.processed = nil
	return snap, true
}

// IsActive reports whether the call exists and has not ended.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return ok && s.Active
}

// ProcessedCount returns the size of the call's idempotency set.
func (r *Registry) ProcessedCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return len(s.processed)
	}
	return 0
}

// Len returns the number of tracked sessions, active or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Cleanup deletes the session. Call only after finalization has completed.
func (r *Registry) Cleanup(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}
