// Package queue carries change reports to downstream suppliers.
//
// Writes never talk to a broker directly. The reconciler appends jobs to the
// store's outbox inside the record transaction; a Relay later drains the
// outbox into a Dispatcher such as Redis.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Job is one notification addressed to a supplier.
type Job struct {
	ID                    int64           `json:"id,omitempty"`
	Supplier              string          `json:"supplier"`
	AgencyID              int             `json:"agencyId"`
	BibliographicRecordID string          `json:"bibliographicRecordId"`
	Payload               json.RawMessage `json:"payload"`
	TrackingID            string          `json:"trackingId"`
	Created               time.Time       `json:"created"`
}

// Dispatcher delivers jobs.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
}

// Source is a cursor over undelivered jobs, oldest first.
type Source interface {
	PendingJobs(ctx context.Context, limit int) ([]Job, error)
	AckJobs(ctx context.Context, ids []int64) error
}

// Memory is a Dispatcher that keeps jobs in order. It is safe for
// concurrent use.
type Memory struct {
	mu   sync.Mutex
	jobs []Job
	fail error
}

// NewMemory returns an empty in-memory dispatcher.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return fmt.Errorf("enqueue %s/%s: %w", job.Supplier, job.BibliographicRecordID, m.fail)
	}
	m.jobs = append(m.jobs, job)
	return nil
}

// FailWith makes subsequent Enqueue calls return err; nil restores delivery.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Jobs returns a copy of the delivered jobs.
func (m *Memory) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, len(m.jobs))
	copy(out, m.jobs)
	return out
}
