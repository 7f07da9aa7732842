package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBitLayout(t *testing.T) {
	tests := []struct {
		name    string
		channel int
		status  uint32
		update  uint32
		errBit  uint32
	}{
		{"channel 1", 1, 0x01, 0x02, 0x04},
		{"channel 2", 2, 0x08, 0x10, 0x20},
		{"channel 8", 8, 1 << 21, 1 << 22, 1 << 23},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, StatusBit(tt.channel))
			assert.Equal(t, tt.update, UpdateBit(tt.channel))
			assert.Equal(t, tt.errBit, ErrorBit(tt.channel))
		})
	}

	// No overlap between any two channels' bit triples.
	var seen uint32
	for ch := 1; ch <= 8; ch++ {
		triple := StatusBit(ch) | UpdateBit(ch) | ErrorBit(ch)
		assert.Zero(t, seen&triple)
		seen |= triple
	}
}

func TestSetGetClear(t *testing.T) {
	b := New()
	assert.Zero(t, b.Get())

	b.Set(UpdateBit(3) | ErrorBit(5))
	assert.Equal(t, UpdateBit(3)|ErrorBit(5), b.Get())

	b.Clear(ErrorBit(5))
	assert.Equal(t, UpdateBit(3), b.Get())

	// Clearing an unset bit is a no-op.
	b.Clear(UpdateBit(7))
	assert.Equal(t, UpdateBit(3), b.Get())
}

func TestWaitAnyImmediate(t *testing.T) {
	b := New()
	b.Set(UpdateBit(2))

	matched := b.WaitAny(UpdateBit(2), true, 10*time.Millisecond)
	assert.Equal(t, UpdateBit(2), matched)
	assert.Zero(t, b.Get())
}

func TestWaitAnyTimeoutReturnsZero(t *testing.T) {
	b := New()
	b.Set(UpdateBit(1))

	start := time.Now()
	matched := b.WaitAny(UpdateBit(2), true, 20*time.Millisecond)
	assert.Zero(t, matched)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// The unmatched bit is untouched.
	assert.Equal(t, UpdateBit(1), b.Get())
}

func TestWaitAnyClaimsOnlyMaskedBits(t *testing.T) {
	b := New()
	b.Set(UpdateBit(1) | UpdateBit(4) | ErrorBit(4))

	matched := b.WaitAny(UpdateBit(4), true, 10*time.Millisecond)
	assert.Equal(t, UpdateBit(4), matched)

	// Bits outside the mask survive, including channel 4's error bit.
	assert.Equal(t, UpdateBit(1)|ErrorBit(4), b.Get())
}

func TestWaitAnyWithoutClearLeavesBits(t *testing.T) {
	b := New()
	b.Set(StatusBit(6))

	matched := b.WaitAny(StatusBit(6), false, 10*time.Millisecond)
	assert.Equal(t, StatusBit(6), matched)
	assert.Equal(t, StatusBit(6), b.Get())
}

func TestWaitAnyWakesOnConcurrentSet(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	wg.Add(1)
	var matched uint32
	go func() {
		defer wg.Done()
		matched = b.WaitAny(UpdateBit(7), true, 2*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Set(UpdateBit(7))
	wg.Wait()

	assert.Equal(t, UpdateBit(7), matched)
	assert.Zero(t, b.Get())
}

func TestTwoWaitersOnDisjointMasks(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	results := make([]uint32, 2)
	for i, mask := range []uint32{UpdateBit(1), UpdateBit(2)} {
		wg.Add(1)
		go func(i int, mask uint32) {
			defer wg.Done()
			results[i] = b.WaitAny(mask, true, 2*time.Second)
		}(i, mask)
	}

	time.Sleep(10 * time.Millisecond)
	b.Set(UpdateBit(1))
	b.Set(UpdateBit(2))
	wg.Wait()

	assert.Equal(t, UpdateBit(1), results[0])
	assert.Equal(t, UpdateBit(2), results[1])
	assert.Zero(t, b.Get())
}

func TestAggregateMasks(t *testing.T) {
	assert.Equal(t, uint32(0x492492), AllUpdateBits(8))
	assert.Equal(t, uint32(0x924924), AllErrorBits(8))
}
