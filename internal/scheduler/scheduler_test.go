package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTask struct {
	id          string
	requiresLLM bool
	run         func(ctx context.Context) error
}

func (f *fakeTask) ID() string            { return f.id }
func (f *fakeTask) RequiresLLM() bool     { return f.requiresLLM }
func (f *fakeTask) Run(ctx context.Context) error { return f.run(ctx) }

func TestScheduler_RunsIndependentTasksConcurrently(t *testing.T) {
	s := New(4, zap.NewNop())
	var completed int64

	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		s.Submit(context.Background(), &fakeTask{
			id: id,
			run: func(ctx context.Context) error {
				atomic.AddInt64(&completed, 1)
				return nil
			},
		})
	}
	s.Wait()

	assert.Equal(t, int64(8), completed)
	for _, st := range s.Statuses() {
		assert.Equal(t, TaskStatusCompleted, st.Status)
		assert.NoError(t, st.Err)
	}
}

func TestScheduler_SerializesLLMBearingTasks(t *testing.T) {
	s := New(8, zap.NewNop())

	var mu sync.Mutex
	var concurrentLLM, maxConcurrentLLM int

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		s.Submit(context.Background(), &fakeTask{
			id:          id,
			requiresLLM: true,
			run: func(ctx context.Context) error {
				mu.Lock()
				concurrentLLM++
				if concurrentLLM > maxConcurrentLLM {
					maxConcurrentLLM = concurrentLLM
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				concurrentLLM--
				mu.Unlock()
				return nil
			},
		})
	}
	s.Wait()

	assert.Equal(t, 1, maxConcurrentLLM, "at most one request may hold the LLM at a time")
}

func TestScheduler_FailedTaskReportsError(t *testing.T) {
	s := New(2, zap.NewNop())
	wantErr := errors.New("boom")
	s.Submit(context.Background(), &fakeTask{id: "t1", run: func(ctx context.Context) error { return wantErr }})
	s.Wait()

	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, TaskStatusFailed, statuses[0].Status)
	assert.Equal(t, wantErr, statuses[0].Err)
}

func TestScheduler_CancelledContextMarksTasksCancelled(t *testing.T) {
	s := New(1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.Submit(ctx, &fakeTask{id: "t1", run: func(ctx context.Context) error { return ctx.Err() }})
	s.Wait()

	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, TaskStatusCancelled, statuses[0].Status)
}
