package cachelock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquire_ExcludesSameName(t *testing.T) {
	m := New()
	var active int32
	var maxSeen int32

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			release := m.Acquire([]string{"go-mod"})
			n := atomic.AddInt32(&active, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.EqualValues(t, 1, maxSeen)
}

func TestAcquire_DifferentNamesDoNotBlock(t *testing.T) {
	m := New()
	relA := m.Acquire([]string{"a"})
	relB := m.Acquire([]string{"b"})
	relA()
	relB()
}

func TestAcquire_ReleaseIsIdempotent(t *testing.T) {
	m := New()
	release := m.Acquire([]string{"a"})
	release()
	assert.NotPanics(t, func() { release() })
}

func TestAcquire_DuplicateNameInSameCallDoesNotDeadlock(t *testing.T) {
	m := New()
	done := make(chan struct{})
	go func() {
		release := m.Acquire([]string{"a", "a", "a"})
		release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire deadlocked on duplicate names")
	}
}

func TestAcquire_SortsNamesForDeadlockAvoidance(t *testing.T) {
	m := New()
	order := make(chan string, 2)
	blockFirst := make(chan struct{})

	go func() {
		release := m.Acquire([]string{"z", "a"})
		order <- "first"
		<-blockFirst
		release()
	}()
	time.Sleep(5 * time.Millisecond)

	go func() {
		release := m.Acquire([]string{"a", "z"})
		order <- "second"
		release()
	}()

	close(blockFirst)
	first := <-order
	second := <-order
	assert.Equal(t, "first", first)
	assert.Equal(t, "second", second)
}
