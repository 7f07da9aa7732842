// Package eventbus is a small atomic bit set used to wake waiting goroutines
// without polling shared state. Bits are set from the transport dispatch
// path, so mutation is a CAS loop rather than anything that can block.
package eventbus

import (
	"sync/atomic"
	"time"
)

// Relay channel bit layout: three bits per channel, channels 1-based.
const BitsPerChannel = 3

func StatusBit(ch int) uint32 { return 1 << uint(BitsPerChannel*(ch-1)) }
func UpdateBit(ch int) uint32 { return 1 << uint(BitsPerChannel*(ch-1)+1) }
func ErrorBit(ch int) uint32  { return 1 << uint(BitsPerChannel*(ch-1)+2) }

func AllUpdateBits(numChannels int) uint32 {
	var mask uint32
	for ch := 1; ch <= numChannels; ch++ {
		mask |= UpdateBit(ch)
	}
	return mask
}

func AllErrorBits(numChannels int) uint32 {
	var mask uint32
	for ch := 1; ch <= numChannels; ch++ {
		mask |= ErrorBit(ch)
	}
	return mask
}

// Lifecycle bits, carried on a separate Bus from the channel bits.
const (
	BitDeviceResponsive  uint32 = 1 << 0
	BitRelayConfigLoaded uint32 = 1 << 1
)

// Bus holds up to 32 edge-triggered bits. A goroutine that observes a set
// bit is expected to clear it (WaitAny with clearOnExit, or Clear); the bus
// never re-delivers a bit the last waiter already consumed.
type Bus struct {
	bits   atomic.Uint32
	notify chan struct{}
}

func New() *Bus {
	return &Bus{notify: make(chan struct{}, 1)}
}

func (b *Bus) Set(mask uint32) {
	for {
		old := b.bits.Load()
		if b.bits.CompareAndSwap(old, old|mask) {
			break
		}
	}
	b.wake()
}

func (b *Bus) Clear(mask uint32) {
	for {
		old := b.bits.Load()
		if b.bits.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

func (b *Bus) Get() uint32 {
	return b.bits.Load()
}

// WaitAny blocks until any bit in mask is set or the timeout elapses. It
// returns the matched bits, zero on timeout. With clearOnExit it atomically
// claims exactly the matched bits, never bits outside mask, so two waiters
// on disjoint masks cannot steal each other's signals.
func (b *Bus) WaitAny(mask uint32, clearOnExit bool, timeout time.Duration) uint32 {
	if matched := b.claim(mask, clearOnExit); matched != 0 {
		return matched
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-b.notify:
			if matched := b.claim(mask, clearOnExit); matched != 0 {
				return matched
			}
			// The wake was for someone else's mask. Re-publish it; every
			// wait here is timeout-bounded, so a waiter that loses this
			// race still makes progress.
			if b.bits.Load()&^mask != 0 {
				b.wake()
			}
		case <-timer.C:
			// Final check closes the race between a late Set and the
			// timer firing.
			return b.claim(mask, clearOnExit)
		}
	}
}

func (b *Bus) claim(mask uint32, clear bool) uint32 {
	for {
		old := b.bits.Load()
		matched := old & mask
		if matched == 0 {
			return 0
		}
		if !clear {
			return matched
		}
		if b.bits.CompareAndSwap(old, old&^matched) {
			return matched
		}
	}
}

func (b *Bus) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
