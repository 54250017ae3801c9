package core

import (
	"math/bits"
	"time"

	"github.com/encodeous/bativ/state"
)

// Window is a sliding bitmap of recently seen sequence numbers. Bit 0 is the
// newest sequence number, bit i the one i packets older.
type Window uint64

func windowMask(size int) uint64 {
	if size >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << size) - 1
}

func (w Window) Test(pos int) bool {
	if pos < 0 || pos >= 64 {
		return false
	}
	return w&(1<<pos) != 0
}

func (w *Window) Mark(pos int, size int) {
	if pos < 0 || pos >= size {
		return
	}
	*w |= 1 << pos
}

func (w *Window) shift(n int, size int) {
	*w = Window(uint64(*w) << n & windowMask(size))
}

func (w Window) Count(size int) uint8 {
	return uint8(bits.OnesCount64(uint64(w) & windowMask(size)))
}

// TestBit reports whether cur was already seen, given the window was last slid to last.
func (w Window) TestBit(last, cur uint32, size int) bool {
	diff := int32(last - cur)
	if diff < 0 || int(diff) >= size {
		return false
	}
	return w.Test(int(diff))
}

// GetPacket records a packet diff sequence numbers ahead of the newest seen
// one and reports whether the window slid. Old packets inside the window only
// set their bit, newer ones slide it, and jumps too far in either direction
// restart the window.
func (w *Window) GetPacket(diff int32, size int, setMark bool) bool {
	s := int32(size)
	switch {
	case diff <= 0 && diff > -s:
		if setMark {
			w.Mark(int(-diff), size)
		}
		return false
	case diff > 0 && diff < s:
		w.shift(int(diff), size)
		if setMark {
			w.Mark(0, size)
		}
		return true
	case diff >= s && int64(diff) < state.ExpectedSeqnoRange:
		// lost more than a window worth of packets
		*w = 0
		if setMark {
			w.Mark(0, size)
		}
		return true
	}
	// the sender restarted, or the diff is too large to be trusted
	*w = 0
	if setMark {
		w.Mark(0, size)
	}
	return true
}

type Verdict struct {
	Duplicate bool
	Slid      bool
}

// Classify tests a sequence number against the window and records it.
func (w *Window) Classify(diff int32, size int, setMark bool) Verdict {
	dup := diff <= 0 && diff > -int32(size) && w.Test(int(-diff))
	return Verdict{Duplicate: dup, Slid: w.GetPacket(diff, size, setMark)}
}

// IsReset reports whether diff is a jump the window cannot absorb, in
// either direction.
func IsReset(diff int32, size int) bool {
	return diff <= -int32(size) || diff >= int32(size)
}

// WindowProtected refuses a reset that follows the previous one within guard.
// An accepted reset restarts the guard period.
func WindowProtected(diff int32, size int, lastReset *time.Time, now time.Time, guard time.Duration) bool {
	if !IsReset(diff, size) {
		return false
	}
	if !lastReset.IsZero() && now.Before(lastReset.Add(guard)) {
		return true
	}
	*lastReset = now
	return false
}

type DupStatus int

const (
	NoDup DupStatus = iota
	// OrigDup is a sequence number already seen through another neighbor.
	OrigDup
	// NeighDup is a sequence number already seen through the same neighbor.
	NeighDup
	Protected
)

func (d DupStatus) String() string {
	switch d {
	case NoDup:
		return "no-dup"
	case OrigDup:
		return "orig-dup"
	case NeighDup:
		return "neigh-dup"
	case Protected:
		return "protected"
	}
	return "unknown"
}
