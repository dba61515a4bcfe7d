package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockSerialisesSameKey(t *testing.T) {
	var m Map
	var wg sync.WaitGroup
	counter := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("alice")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, m.Len(), "entries are released")
}

func TestLockDistinctKeysIndependent(t *testing.T) {
	var m Map
	unlockA := m.Lock("alice")
	done := make(chan struct{})
	go func() {
		unlock := m.Lock("bob")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	unlockA()
}

func TestUnlockIdempotent(t *testing.T) {
	var m Map
	unlock := m.Lock("alice")
	unlock()
	unlock()
	assert.Equal(t, 0, m.Len())
	unlock = m.Lock("alice")
	unlock()
}
