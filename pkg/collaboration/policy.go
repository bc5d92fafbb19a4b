package collaboration

import (
	"sync"
	"time"
)

// TheirsWinPolicy resolves genuine conflicts by keeping the side being
// merged in ("theirs"). This silently discards the other side's edit; pair
// it with RecordingPolicy when the discarded candidate must stay queryable.
type TheirsWinPolicy struct{}

func (TheirsWinPolicy) Name() string { return "theirs-win" }

func (TheirsWinPolicy) Resolve(c FieldConflict) string { return c.Theirs }

// TimestampPolicy resolves conflicts by wall-clock last-writer-wins on the
// per-side write time, with the author id breaking exact ties so that every
// replica picks the same winner.
type TimestampPolicy struct{}

func (TimestampPolicy) Name() string { return "timestamp-lww" }

func (TimestampPolicy) Resolve(c FieldConflict) string {
	if c.MineAt.After(c.TheirsAt) {
		return c.Mine
	}
	if c.TheirsAt.After(c.MineAt) {
		return c.Theirs
	}
	if c.MineAuthor > c.TheirsAuthor {
		return c.Mine
	}
	return c.Theirs
}

// ConflictInfo is a retained record of a genuine conflict and how it was
// settled, including the candidate value that lost.
type ConflictInfo struct {
	DocumentID string    `json:"document_id"`
	Sheet      string    `json:"sheet"`
	Ref        string    `json:"ref"`
	Field      string    `json:"field"`
	Base       string    `json:"base"`
	Mine       string    `json:"mine"`
	Theirs     string    `json:"theirs"`
	Chosen     string    `json:"chosen"`
	Policy     string    `json:"policy"`
	DetectedAt time.Time `json:"detected_at"`
}

// RecordingPolicy wraps another policy and retains a per-document history of
// every conflict it settled, so a discarded concurrent edit is never silently
// lost.
type RecordingPolicy struct {
	inner Policy

	mu      sync.RWMutex
	history map[string][]ConflictInfo
}

// NewRecordingPolicy wraps inner with conflict recording
func NewRecordingPolicy(inner Policy) *RecordingPolicy {
	if inner == nil {
		inner = TheirsWinPolicy{}
	}
	return &RecordingPolicy{
		inner:   inner,
		history: make(map[string][]ConflictInfo),
	}
}

func (p *RecordingPolicy) Name() string { return p.inner.Name() + "+recorded" }

func (p *RecordingPolicy) Resolve(c FieldConflict) string {
	chosen := p.inner.Resolve(c)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[c.DocumentID] = append(p.history[c.DocumentID], ConflictInfo{
		DocumentID: c.DocumentID,
		Sheet:      c.Sheet,
		Ref:        c.Ref,
		Field:      c.Field,
		Base:       c.Base,
		Mine:       c.Mine,
		Theirs:     c.Theirs,
		Chosen:     chosen,
		Policy:     p.inner.Name(),
		DetectedAt: time.Now(),
	})
	return chosen
}

// History returns the recorded conflicts for a document, oldest first
func (p *RecordingPolicy) History(documentID string) []ConflictInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ConflictInfo, len(p.history[documentID]))
	copy(out, p.history[documentID])
	return out
}
