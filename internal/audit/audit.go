// Package audit keeps a log of verification decisions for operators.
//
// Entries never contain the token itself, only a short SHA-256 prefix.
// Writes are best effort: a failing store is logged and counted but never
// changes the response a client receives.
package audit

import (
	"context"
	"time"

	"github.com/mbd888/captcharelay/internal/idgen"
	"github.com/mbd888/captcharelay/internal/logging"
	"github.com/mbd888/captcharelay/internal/metrics"
	"github.com/mbd888/captcharelay/internal/pagination"
	"github.com/mbd888/captcharelay/internal/recaptcha"
)

// Entry is one recorded verification.
type Entry struct {
	ID        string    `json:"id"`
	Variant   string    `json:"variant"`
	Outcome   string    `json:"outcome"`
	Success   bool      `json:"success"`
	Score     *float64  `json:"score"`
	Action    string    `json:"action,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message"`
	TokenHash string    `json:"tokenHash"`
	ClientIP  string    `json:"clientIp,omitempty"`
	LatencyMs int64     `json:"latencyMs"`
	CreatedAt time.Time `json:"createdAt"`
}

// Stats summarizes entries recorded since a point in time.
type Stats struct {
	Since        time.Time      `json:"since"`
	Total        int            `json:"total"`
	ByOutcome    map[string]int `json:"byOutcome"`
	PassRate     float64        `json:"passRate"`
	AvgScore     *float64       `json:"avgScore"` // nil when no entry carried a score
	AvgLatencyMs float64        `json:"avgLatencyMs"`
}

// Store persists audit entries.
type Store interface {
	Record(ctx context.Context, e *Entry) error
	// Recent returns up to limit entries newest first, starting after
	// cursor (nil for the first page).
	Recent(ctx context.Context, limit int, cursor *pagination.Cursor) ([]*Entry, error)
	Stats(ctx context.Context, since time.Time) (*Stats, error)
}

// DefaultWriteTimeout bounds a single audit write.
const DefaultWriteTimeout = 2 * time.Second

// Recorder adapts a Store to recaptcha.Recorder.
type Recorder struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, timeout: DefaultWriteTimeout, now: time.Now}
}

var _ recaptcha.Recorder = (*Recorder)(nil)

// RecordVerification writes rec to the store. The write outlives a
// cancelled request but not the write timeout.
func (r *Recorder) RecordVerification(ctx context.Context, rec recaptcha.Record) {
	e := &Entry{
		ID:        idgen.WithPrefix("vfy_"),
		Variant:   string(rec.Variant),
		Outcome:   string(rec.Outcome),
		Success:   rec.Outcome == recaptcha.OutcomePassed,
		Score:     rec.Score,
		Action:    rec.Action,
		Hostname:  rec.Hostname,
		Reason:    rec.Reason,
		Message:   rec.Message,
		TokenHash: rec.TokenPrefix,
		ClientIP:  rec.RemoteIP,
		LatencyMs: rec.Latency.Milliseconds(),
		CreatedAt: r.now().UTC().Truncate(time.Microsecond),
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.store.Record(wctx, e); err != nil {
		metrics.AuditWriteFailures.Inc()
		logging.L(ctx).Warn("audit write failed", "id", e.ID, "error", err)
	}
}

// computeStats builds Stats from a set of entries. Shared by stores that
// aggregate in memory.
func computeStats(since time.Time, entries []*Entry) *Stats {
	s := &Stats{Since: since, ByOutcome: make(map[string]int)}

	var (
		passed     int
		scoreSum   float64
		scored     int
		latencySum int64
	)
	for _, e := range entries {
		s.Total++
		s.ByOutcome[e.Outcome]++
		if e.Success {
			passed++
		}
		if e.Score != nil {
			scoreSum += *e.Score
			scored++
		}
		latencySum += e.LatencyMs
	}

	if s.Total > 0 {
		s.PassRate = float64(passed) / float64(s.Total)
		s.AvgLatencyMs = float64(latencySum) / float64(s.Total)
	}
	if scored > 0 {
		avg := scoreSum / float64(scored)
		s.AvgScore = &avg
	}
	return s
}
