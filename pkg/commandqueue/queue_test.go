package commandqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicDo(t *testing.T) {
	cq := New()
	defer cq.Close()

	result, err := cq.Do(context.Background(), Records("crm-a", "Contact", "c1"), func(ctx context.Context) (interface{}, error) {
		return "result", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New()
	defer cq.Close()

	expectedErr := errors.New("task failed")
	result, err := cq.Do(context.Background(), Object("crm-a", "Contact"), func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	})

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestScope_Conflicts(t *testing.T) {
	tests := []struct {
		name string
		a, b Scope
		want bool
	}{
		{"same record", Records("crm-a", "Contact", "c1"), Records("crm-a", "Contact", "c1"), true},
		{"different records", Records("crm-a", "Contact", "c1"), Records("crm-a", "Contact", "c2"), false},
		{"overlapping sets", Records("crm-a", "Contact", "c1", "c2"), Records("crm-a", "Contact", "c2", "c3"), true},
		{"whole object", Object("crm-a", "Contact"), Records("crm-a", "Contact", "c9"), true},
		{"other object", Object("crm-a", "Contact"), Object("crm-a", "Deal"), false},
		{"other service", Records("crm-a", "Contact", "c1"), Records("crm-b", "Contact", "c1"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Conflicts(tt.b))
			assert.Equal(t, tt.want, tt.b.Conflicts(tt.a))
		})
	}
}

func TestCommandQueue_ConflictingTasksRunInArrivalOrder(t *testing.T) {
	cq := New()
	defer cq.Close()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	release := make(chan struct{})
	started := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = cq.Do(context.Background(), Records("crm-a", "Contact", "c1"), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil, nil
		})
	}()
	<-started

	for i := 1; i <= 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Do(context.Background(), Records("crm-a", "Contact", "c1"), func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		// Each task must be queued before the next arrives.
		require.Eventually(t, func() bool {
			queued, _ := cq.Stats()
			return queued == i
		}, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCommandQueue_DisjointRecordsRunConcurrently(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	var wg sync.WaitGroup
	for _, id := range []string{"c1", "c2", "c3"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Do(context.Background(), Records("crm-a", "Contact", id), func(ctx context.Context) (interface{}, error) {
				<-release
				return nil, nil
			})
		}()
	}

	require.Eventually(t, func() bool {
		_, running := cq.Stats()
		return running == 3
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
}

func TestCommandQueue_WholeObjectWaitsForRecords(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _ = cq.Do(context.Background(), Records("crm-a", "Contact", "c1"), func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})
		close(done)
	}()
	require.Eventually(t, func() bool {
		_, running := cq.Stats()
		return running == 1
	}, time.Second, time.Millisecond)

	bulkRan := make(chan struct{})
	go func() {
		_, _ = cq.Do(context.Background(), Object("crm-a", "Contact"), func(ctx context.Context) (interface{}, error) {
			close(bulkRan)
			return nil, nil
		})
	}()

	// A later record write queues behind the bulk task even though c2 is free.
	laterRan := make(chan struct{})
	require.Eventually(t, func() bool {
		queued, _ := cq.Stats()
		return queued == 1
	}, time.Second, time.Millisecond)
	go func() {
		_, _ = cq.Do(context.Background(), Records("crm-a", "Contact", "c2"), func(ctx context.Context) (interface{}, error) {
			close(laterRan)
			return nil, nil
		})
	}()

	select {
	case <-bulkRan:
		t.Fatal("bulk task ran while a record write was active")
	case <-laterRan:
		t.Fatal("record write overtook an earlier bulk task")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	<-bulkRan
	<-laterRan
}

func TestCommandQueue_CanceledWhileWaiting(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	go func() {
		_, _ = cq.Do(context.Background(), Records("crm-a", "Contact", "c1"), func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		})
	}()
	require.Eventually(t, func() bool {
		_, running := cq.Stats()
		return running == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Do(ctx, Records("crm-a", "Contact", "c1"), func(ctx context.Context) (interface{}, error) {
			ran = true
			return nil, nil
		})
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		queued, _ := cq.Stats()
		return queued == 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	close(release)
	assert.True(t, cq.WaitForActive(time.Second))
	assert.False(t, ran)
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New()

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Do(context.Background(), Object("crm-a", "Deal"), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		errCh <- err
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err := cq.Do(context.Background(), Object("crm-a", "Deal"), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
}
