// Property-based tests for per-channel lock safety.
package lock

import (
	"sync"
	"sync/atomic"
	"testing"

	"pgregory.net/rapid"
)

// TestConcurrentCounterSafetyProperty checks that concurrent mutations of one
// channel's state serialize through the lock: the result matches sequential
// execution.
func TestConcurrentCounterSafetyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numOps := rapid.IntRange(2, 30).Draw(t, "numOps")
		delta := rapid.Int64Range(1, 100).Draw(t, "delta")
		channelID := rapid.Int64Range(-1000000, -1).Draw(t, "channelID")

		cl := NewChannelLock()
		var counter int64
		expected := int64(numOps) * delta

		var wg sync.WaitGroup
		wg.Add(numOps)
		for i := 0; i < numOps; i++ {
			go func() {
				defer wg.Done()
				cl.Lock(channelID)
				defer cl.Unlock(channelID)
				counter += delta
			}()
		}
		wg.Wait()

		if counter != expected {
			t.Fatalf("counter mismatch with locking: expected %d, got %d", expected, counter)
		}
	})
}

// TestWithLockSerializesProperty checks the WithLock wrapper the same way.
func TestWithLockSerializesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numOps := rapid.IntRange(5, 30).Draw(t, "numOps")
		channelID := rapid.Int64Range(-1000000, -1).Draw(t, "channelID")

		cl := NewChannelLock()
		var counter int

		var wg sync.WaitGroup
		wg.Add(numOps)
		for i := 0; i < numOps; i++ {
			go func() {
				defer wg.Done()
				_ = cl.WithLock(channelID, func() error {
					counter++
					return nil
				})
			}()
		}
		wg.Wait()

		if counter != numOps {
			t.Fatalf("counter mismatch with WithLock: expected %d, got %d", numOps, counter)
		}
	})
}

// TestIndependentChannelsProperty checks that locks for different channels do
// not interfere with each other's counters.
func TestIndependentChannelsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numChannels := rapid.IntRange(2, 10).Draw(t, "numChannels")
		opsPerChannel := rapid.IntRange(5, 20).Draw(t, "opsPerChannel")

		cl := NewChannelLock()
		counters := make([]int64, numChannels)

		var wg sync.WaitGroup
		wg.Add(numChannels * opsPerChannel)
		for ch := 0; ch < numChannels; ch++ {
			for j := 0; j < opsPerChannel; j++ {
				go func(idx int) {
					defer wg.Done()
					channelID := int64(-(idx + 1))
					cl.Lock(channelID)
					defer cl.Unlock(channelID)
					counters[idx]++
				}(ch)
			}
		}
		wg.Wait()

		for ch := 0; ch < numChannels; ch++ {
			if counters[ch] != int64(opsPerChannel) {
				t.Fatalf("channel %d counter mismatch: expected %d, got %d",
					ch, opsPerChannel, counters[ch])
			}
		}
	})
}

// TestTryLockProperty checks that simultaneous TryLock attempts admit at
// least one holder and that the lock is free afterwards.
func TestTryLockProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		channelID := rapid.Int64Range(-1000000, -1).Draw(t, "channelID")
		numAttempts := rapid.IntRange(5, 20).Draw(t, "numAttempts")

		cl := NewChannelLock()

		var successCount atomic.Int32
		var wg sync.WaitGroup
		wg.Add(numAttempts)
		startCh := make(chan struct{})

		for i := 0; i < numAttempts; i++ {
			go func() {
				defer wg.Done()
				<-startCh
				if cl.TryLock(channelID) {
					successCount.Add(1)
					cl.Unlock(channelID)
				}
			}()
		}

		close(startCh)
		wg.Wait()

		if successCount.Load() < 1 {
			t.Fatalf("at least one TryLock should succeed, got %d", successCount.Load())
		}
		if !cl.TryLock(channelID) {
			t.Fatal("lock should be available after all attempts complete")
		}
		cl.Unlock(channelID)
	})
}

// TestLockUnlockSymmetryProperty checks that lock/unlock cycles leave the
// lock available.
func TestLockUnlockSymmetryProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		channelID := rapid.Int64Range(-1000000, -1).Draw(t, "channelID")
		numCycles := rapid.IntRange(1, 50).Draw(t, "numCycles")

		cl := NewChannelLock()
		for i := 0; i < numCycles; i++ {
			cl.Lock(channelID)
			cl.Unlock(channelID)
		}

		if !cl.TryLock(channelID) {
			t.Fatal("lock should be available after symmetric lock/unlock cycles")
		}
		cl.Unlock(channelID)
	})
}
