package etaqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnterReleasesAtEligibility(t *testing.T) {
	q := New(10 * time.Millisecond)
	defer q.Stop()

	var fired int32
	start := time.Now()
	q.Enter(start.Add(80*time.Millisecond), func() {
		atomic.StoreInt32(&fired, 1)
	})

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired), "must not fire before eligibility")

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, 500*time.Millisecond, 5*time.Millisecond)
}

func TestPastETAFiresImmediately(t *testing.T) {
	q := New(10 * time.Millisecond)
	defer q.Stop()

	done := make(chan struct{})
	q.Enter(time.Now().Add(-time.Hour), func() { close(done) })

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("past ETA never fired")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	q := New(10 * time.Millisecond)
	defer q.Stop()

	var fired int32
	h := q.Enter(time.Now().Add(30*time.Millisecond), func() {
		atomic.AddInt32(&fired, 1)
	})
	q.Cancel(h)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))
}

func TestEqualEligibilityFIFO(t *testing.T) {
	q := New(5 * time.Millisecond)
	defer q.Stop()

	eta := time.Now().Add(20 * time.Millisecond)
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		q.Enter(eta, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
