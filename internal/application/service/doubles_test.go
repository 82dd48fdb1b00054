package service

import (
	"context"
	"sync"
	"time"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
	"github.com/sogos/xqueue-dispatch/internal/domain/repository"
	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
)

var (
	_ repository.SubmissionRepository = (*fakeRepository)(nil)
	_ domainservice.BlobStore         = (*fakeBlobStore)(nil)
	_ domainservice.PushWaker         = (*fakeWaker)(nil)
	_ domainservice.LMSClient         = (*fakeLMSClient)(nil)
	_ domainservice.GraderClient      = (*fakeGraderClient)(nil)
	_ domainservice.TelemetrySink     = (*fakeTelemetrySink)(nil)
	_ domainservice.AlertSink         = (*fakeAlertSink)(nil)
	_ domainservice.Logger            = testLogger{}
)

// fakeRepository is an in-memory stand-in for repository.SubmissionRepository,
// good enough to exercise the application services' control flow without a
// database.
type fakeRepository struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*entity.Submission
	updates int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{byID: make(map[int64]*entity.Submission)}
}

func (r *fakeRepository) Create(ctx context.Context, sub *entity.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub.ID = r.nextID
	sub.ArrivalTime = time.Now()
	cp := *sub
	r.byID[sub.ID] = &cp
	return nil
}

func (r *fakeRepository) Get(ctx context.Context, id int64) (*entity.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (r *fakeRepository) InvalidatePrior(ctx context.Context, lmsCallbackURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.byID {
		if sub.LMSCallbackURL == lmsCallbackURL {
			sub.Retired = true
		}
	}
	return nil
}

func (r *fakeRepository) NextPullable(ctx context.Context, queue string, now time.Time, delta time.Duration, pullKeySeed, graderID string) (*entity.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.byID {
		if sub.QueueName == queue && sub.IsPullable(now, delta) {
			sub.PullTime = &now
			sub.PullKey = pullKeySeed
			sub.GraderID = graderID
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepository) NextPushable(ctx context.Context, queue string, now time.Time, delta time.Duration, graderID string) (*entity.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.byID {
		if sub.QueueName == queue && sub.IsPushable(now, delta) {
			sub.PushTime = &now
			sub.GraderID = graderID
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepository) QueueLength(ctx context.Context, queue string, now time.Time, delta time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sub := range r.byID {
		if sub.QueueName == queue && sub.IsPullable(now, delta) {
			n++
		}
	}
	return n, nil
}

func (r *fakeRepository) QueueCounts(ctx context.Context) ([]entity.QueueCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, sub := range r.byID {
		if !sub.Retired {
			counts[sub.QueueName]++
		}
	}
	out := make([]entity.QueueCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, entity.QueueCount{QueueName: name, Count: n})
	}
	return out, nil
}

func (r *fakeRepository) Update(ctx context.Context, sub *entity.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	cp := *sub
	r.byID[sub.ID] = &cp
	return nil
}

func (r *fakeRepository) RequeuePulled(ctx context.Context, queues []string, olderThan time.Time, maxFailures int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sub := range r.byID {
		if sub.Retired || sub.PullTime == nil || !sub.PullTime.Before(olderThan) {
			continue
		}
		if len(queues) > 0 && !contains(queues, sub.QueueName) {
			continue
		}
		sub.NumFailures++
		if sub.NumFailures < maxFailures {
			sub.PullTime = nil
			sub.PullKey = ""
		}
		n++
	}
	return n, nil
}

func (r *fakeRepository) FailedOverLimit(ctx context.Context, queues []string, maxFailures int) ([]*entity.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Submission
	for _, sub := range r.byID {
		if sub.Retired || sub.NumFailures < maxFailures {
			continue
		}
		if len(queues) > 0 && !contains(queues, sub.QueueName) {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeRepository) Orphaned(ctx context.Context, queue string, cutoff time.Time) ([]*entity.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Submission
	for _, sub := range r.byID {
		if sub.QueueName == queue && !sub.Retired && sub.PushTime == nil && sub.ReturnTime == nil && sub.ArrivalTime.Before(cutoff) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepository) DeleteChunk(ctx context.Context, cutoff time.Time, chunkSize int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, sub := range r.byID {
		if n >= chunkSize {
			break
		}
		if !sub.ArrivalTime.After(cutoff) {
			delete(r.byID, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepository) UnretiredBefore(ctx context.Context, queue string, before time.Time) ([]*entity.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Submission
	for _, sub := range r.byID {
		if sub.QueueName != queue || sub.Retired {
			continue
		}
		if !before.IsZero() && !sub.ArrivalTime.Before(before) && !sub.ArrivalTime.Equal(before) {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	return out, nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// fakeBlobStore is an in-memory domainservice.BlobStore.
type fakeBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (b *fakeBlobStore) Save(ctx context.Context, path string, content []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[path] = content
	return nil
}

func (b *fakeBlobStore) URL(ctx context.Context, path string) (string, error) {
	return "http://blobs.test/" + path, nil
}

func (b *fakeBlobStore) Get(ctx context.Context, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.blobs[path]
	if !ok {
		return nil, errNotFound
	}
	return content, nil
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "blob not found" }

// fakeWaker records WakePushQueue calls.
type fakeWaker struct {
	mu     sync.Mutex
	woken  []string
	failOn string
}

func (w *fakeWaker) WakePushQueue(queueName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if queueName == w.failOn {
		return &notFoundError{}
	}
	w.woken = append(w.woken, queueName)
	return nil
}

// fakeLMSClient records PostVerdict calls and returns a scripted ack.
type fakeLMSClient struct {
	mu    sync.Mutex
	acks  []bool
	index int
	calls int
}

func (c *fakeLMSClient) PostVerdict(ctx context.Context, header, body string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.index >= len(c.acks) {
		return true
	}
	ack := c.acks[c.index]
	c.index++
	return ack
}

// fakeGraderClient returns a scripted reply.
type fakeGraderClient struct {
	ok    bool
	reply string
	err   error
}

func (g *fakeGraderClient) Grade(ctx context.Context, graderURL string, payload domainservice.GraderPayload, timeout time.Duration) (bool, string, error) {
	return g.ok, g.reply, g.err
}

// fakeTelemetrySink records emitted queue counts.
type fakeTelemetrySink struct {
	mu   sync.Mutex
	last []entity.QueueCount
}

func (s *fakeTelemetrySink) EmitQueueCounts(ctx context.Context, counts []entity.QueueCount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = counts
	return nil
}

// fakeAlertSink records force-retire alerts.
type fakeAlertSink struct {
	mu    sync.Mutex
	calls int
}

func (a *fakeAlertSink) SendForceRetireAlert(ctx context.Context, reason string, subs []*entity.Submission) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return nil
}

// testLogger discards everything; satisfies domainservice.Logger.
type testLogger struct{}

func (testLogger) Debug(msg string, args ...any)                     {}
func (testLogger) Info(msg string, args ...any)                      {}
func (testLogger) Warn(msg string, args ...any)                      {}
func (testLogger) Error(msg string, args ...any)                     {}
func (l testLogger) With(args ...any) domainservice.Logger           { return l }
func (l testLogger) WithContext(ctx context.Context) domainservice.Logger { return l }
