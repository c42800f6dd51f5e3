package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	jobs  []Job
	acked []int64
}

func (f *fakeSource) PendingJobs(ctx context.Context, limit int) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.jobs) {
		limit = len(f.jobs)
	}
	out := make([]Job, limit)
	copy(out, f.jobs[:limit])
	return out, nil
}

func (f *fakeSource) AckJobs(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	done := map[int64]bool{}
	for _, id := range ids {
		done[id] = true
	}
	f.acked = append(f.acked, ids...)
	kept := f.jobs[:0]
	for _, j := range f.jobs {
		if !done[j.ID] {
			kept = append(kept, j)
		}
	}
	f.jobs = kept
	return nil
}

func testJobs(n int) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		jobs[i] = Job{
			ID:                    int64(i + 1),
			Supplier:              "solr",
			AgencyID:              700000,
			BibliographicRecordID: "rec",
			Payload:               json.RawMessage(`{}`),
		}
	}
	return jobs
}

func TestRelayDrainDeliversAndAcks(t *testing.T) {
	src := &fakeSource{jobs: testJobs(3)}
	sink := NewMemory()
	relay := NewRelay(src, sink, nil, RelayOptions{Batch: 10})

	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, sink.Jobs(), 3)
	assert.Equal(t, []int64{1, 2, 3}, src.acked)
	assert.Empty(t, src.jobs)
}

func TestRelayStopsAtFirstFailure(t *testing.T) {
	src := &fakeSource{jobs: testJobs(2)}
	sink := NewMemory()
	sink.FailWith(errors.New("broker down"))
	relay := NewRelay(src, sink, nil, RelayOptions{Batch: 10})

	n, err := relay.Drain(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, src.jobs, 2, "undelivered jobs stay pending")

	sink.FailWith(nil)
	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{jobs: testJobs(1)}
	sink := NewMemory()
	relay := NewRelay(src, sink, nil, RelayOptions{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.Jobs()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRedisDispatcher(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("skipping redis test: REDIS_ADDR not set")
	}
	ctx := context.Background()
	d, err := NewRedisDispatcher(ctx, addr, "holdings:test")
	require.NoError(t, err)
	defer d.Close()

	job := testJobs(1)[0]
	d.rdb.Del(ctx, d.Key(job.Supplier))
	require.NoError(t, d.Enqueue(ctx, job))

	raw, err := d.rdb.LPop(ctx, d.Key(job.Supplier)).Bytes()
	require.NoError(t, err)
	var got Job
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, job.BibliographicRecordID, got.BibliographicRecordID)
}
