package reclassify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shenikar/food_alert_system/internal/classifier"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// chanQueue - очередь в памяти с семантикой Pop как у BRPOP
type chanQueue struct {
	items chan []byte
}

func newChanQueue() *chanQueue {
	return &chanQueue{items: make(chan []byte, 16)}
}

func (q *chanQueue) Push(_ context.Context, payload []byte) error {
	q.items <- payload
	return nil
}

func (q *chanQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case payload := <-q.items:
		return payload, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeReclassifier struct {
	mu    sync.Mutex
	err   error
	calls []uuid.UUID
	seen  chan struct{}
}

func newFakeReclassifier(err error) *fakeReclassifier {
	return &fakeReclassifier{err: err, seen: make(chan struct{}, 16)}
}

func (f *fakeReclassifier) ReclassifyAlert(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	f.seen <- struct{}{}
	return f.err
}

func (f *fakeReclassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{}) // Отключаем вывод логов в тестах
	return logger
}

// runWorker запускает воркер и возвращает функцию остановки, дожидающуюся его завершения
func runWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func waitCalls(t *testing.T, f *fakeReclassifier, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %d reclassify calls, got %d", n, f.callCount())
		}
	}
}

func TestPublisher_Publish(t *testing.T) {
	queue := newChanQueue()
	publisher := NewPublisher(queue)
	id := uuid.New()

	require.NoError(t, publisher.Publish(context.Background(), Job{AlertID: id}))

	payload, err := queue.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	var job Job
	require.NoError(t, json.Unmarshal(payload, &job))
	assert.Equal(t, id, job.AlertID)
	assert.Zero(t, job.Attempt)
	assert.False(t, job.EnqueuedAt.IsZero())
}

func TestWorker_Success(t *testing.T) {
	queue := newChanQueue()
	target := newFakeReclassifier(nil)
	worker := NewWorker(queue, target, newTestLogger(), nil, 3, time.Millisecond)
	worker.pollTimeout = 10 * time.Millisecond
	id := uuid.New()
	require.NoError(t, NewPublisher(queue).Publish(context.Background(), Job{AlertID: id}))

	stop := runWorker(t, worker)
	waitCalls(t, target, 1)
	stop()

	assert.Equal(t, []uuid.UUID{id}, target.calls)
}

func TestWorker_RetriesUntilMaxAttempts(t *testing.T) {
	queue := newChanQueue()
	target := newFakeReclassifier(classifier.ErrModelUnavailable)
	worker := NewWorker(queue, target, newTestLogger(), nil, 3, time.Millisecond)
	worker.pollTimeout = 10 * time.Millisecond
	require.NoError(t, NewPublisher(queue).Publish(context.Background(), Job{AlertID: uuid.New()}))

	stop := runWorker(t, worker)
	waitCalls(t, target, 3)
	// после последней попытки задача больше не возвращается в очередь
	time.Sleep(50 * time.Millisecond)
	stop()

	assert.Equal(t, 3, target.callCount())
	assert.Empty(t, queue.items)
}

func TestWorker_DropsUnreadableImage(t *testing.T) {
	queue := newChanQueue()
	target := newFakeReclassifier(classifier.ErrUnreadableImage)
	worker := NewWorker(queue, target, newTestLogger(), nil, 5, time.Millisecond)
	worker.pollTimeout = 10 * time.Millisecond
	require.NoError(t, NewPublisher(queue).Publish(context.Background(), Job{AlertID: uuid.New()}))

	stop := runWorker(t, worker)
	waitCalls(t, target, 1)
	time.Sleep(30 * time.Millisecond)
	stop()

	assert.Equal(t, 1, target.callCount())
}

func TestWorker_SkipsMalformedPayload(t *testing.T) {
	queue := newChanQueue()
	target := newFakeReclassifier(nil)
	worker := NewWorker(queue, target, newTestLogger(), nil, 3, time.Millisecond)
	worker.pollTimeout = 10 * time.Millisecond
	require.NoError(t, queue.Push(context.Background(), []byte("{not json")))
	require.NoError(t, NewPublisher(queue).Publish(context.Background(), Job{AlertID: uuid.New()}))

	stop := runWorker(t, worker)
	waitCalls(t, target, 1)
	stop()

	assert.Equal(t, 1, target.callCount())
}

func TestWorker_StopsDuringBackoff(t *testing.T) {
	queue := newChanQueue()
	target := newFakeReclassifier(errors.New("temporary"))
	worker := NewWorker(queue, target, newTestLogger(), nil, 3, time.Hour)
	worker.pollTimeout = 10 * time.Millisecond
	id := uuid.New()
	require.NoError(t, NewPublisher(queue).Publish(context.Background(), Job{AlertID: id}))

	stop := runWorker(t, worker)
	waitCalls(t, target, 1)
	stop()

	assert.Equal(t, 1, target.callCount())

	// задание не теряется при остановке
	require.Len(t, queue.items, 1)
	var requeued Job
	require.NoError(t, json.Unmarshal(<-queue.items, &requeued))
	assert.Equal(t, id, requeued.AlertID)
	assert.Equal(t, 1, requeued.Attempt)
}

func TestWorker_DropsNegativeAttempt(t *testing.T) {
	queue := newChanQueue()
	target := newFakeReclassifier(nil)
	worker := NewWorker(queue, target, newTestLogger(), nil, 3, time.Hour)
	worker.pollTimeout = 10 * time.Millisecond
	valid := uuid.New()
	require.NoError(t, queue.Push(context.Background(), []byte(`{"alert_id":"`+uuid.NewString()+`","attempt":-1}`)))
	require.NoError(t, NewPublisher(queue).Publish(context.Background(), Job{AlertID: valid}))

	stop := runWorker(t, worker)
	waitCalls(t, target, 1)
	stop()

	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Equal(t, []uuid.UUID{valid}, target.calls)
}
