package audit

import (
	"sync"

	"github.com/HAAIL-Universe/forgeguard/internal/migration"
)

// Record is one audited change outcome, appended to the run-scoped log.
// FAIL records are remediation candidates until consumed.
type Record struct {
	File      string           `json:"file"`
	Action    string           `json:"action"`
	Verdict   Verdict          `json:"verdict"`
	Findings  []Finding        `json:"findings,omitempty"`
	TaskID    string           `json:"task_id"`
	TaskIndex int              `json:"task_index"`
	Change    migration.Change `json:"-"`

	consumed bool
}

// Log is the run-scoped audit trail. It is mutated by both pipeline
// goroutines: the builder appends, the director scans for remediation
// candidates. Append and scan are each single-writer operations guarded
// by one mutex.
type Log struct {
	mu      sync.Mutex
	records []*Record
}

// NewLog creates an empty audit log.
func NewLog() *Log {
	return &Log{}
}

// Append adds a record to the log.
func (l *Log) Append(rec *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

// NextUnconsumed returns the oldest unconsumed FAIL record and marks it
// consumed, so a record is handed to remediation at most once. Returns
// nil when no candidate exists.
func (l *Log) NextUnconsumed() *Record {
	return l.NextUnconsumedExcluding(nil)
}

// NextUnconsumedExcluding is NextUnconsumed but skips records belonging
// to the given task IDs. The director passes the in-flight task set so
// a failure the builder may still repair inline is not claimed early.
func (l *Log) NextUnconsumedExcluding(skipTasks map[string]struct{}) *Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.records {
		if rec.Verdict != VerdictFail || rec.consumed {
			continue
		}
		if _, skip := skipTasks[rec.TaskID]; skip {
			continue
		}
		rec.consumed = true
		return rec
	}
	return nil
}

// UnconsumedFailuresForTask returns unconsumed FAIL records belonging to
// the given task, without consuming them. The builder's one-shot inline
// retry uses this to scope its fix attempt to the failing files.
func (l *Log) UnconsumedFailuresForTask(taskID string) []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Record
	for _, rec := range l.records {
		if rec.TaskID == taskID && rec.Verdict == VerdictFail && !rec.consumed {
			out = append(out, rec)
		}
	}
	return out
}

// Consume marks a record consumed. Used when the inline retry repairs a
// failure so the director does not re-queue it.
func (l *Log) Consume(rec *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.consumed = true
}

// Snapshot returns a copy of all records for status reporting.
func (l *Log) Snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	for i, rec := range l.records {
		out[i] = *rec
	}
	return out
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
