package core

import "github.com/encodeous/bativ/state"

// RingBuffer holds the most recent TQ samples received through one neighbor.
type RingBuffer struct {
	samples []uint8
	index   int
}

func NewRingBuffer(size int) RingBuffer {
	return RingBuffer{samples: make([]uint8, size)}
}

// Observe stores sample and returns the new average.
func (r *RingBuffer) Observe(sample uint8) uint8 {
	r.samples[r.index] = sample
	r.index = (r.index + 1) % len(r.samples)
	return r.Avg()
}

// Avg is the mean of the non-zero samples, or 0 if there are none.
func (r *RingBuffer) Avg() uint8 {
	sum, count := 0, 0
	for _, s := range r.samples {
		if s != 0 {
			sum += int(s)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return uint8(sum / count)
}

// HopPenalty reduces tq by penalty/255.
func HopPenalty(tq uint8, penalty uint8) uint8 {
	return uint8(uint32(tq) * uint32(state.TQMax-int(penalty)) / state.TQMax)
}

// LocalTQ estimates the quality of the link towards a neighbor from how many
// of our OGMs it echoed back (echoes) and how many of its own we received (recv).
func LocalTQ(echoes, recv uint8) uint8 {
	total := min(echoes, recv)
	if int(total) < state.TQLocalBidirectSendMin || int(recv) < state.TQLocalBidirectRecvMin {
		return 0
	}
	return uint8(state.TQMax * uint32(total) / uint32(recv))
}

// AsymmetryPenalty grows cubically as fewer of the neighbor's packets reach us.
func AsymmetryPenalty(recv uint8, window int) uint8 {
	inv := uint64(window - int(min(int(recv), window)))
	w := uint64(window)
	return uint8(state.TQMax - state.TQMax*inv*inv*inv/(w*w*w))
}

// CombinedTQ is the product of all factors normalised back to [0, TQMax].
func CombinedTQ(reported, local, asym, ifacePenalty uint8) uint8 {
	const max3 = uint64(state.TQMax) * state.TQMax * state.TQMax
	return uint8(uint64(reported) * uint64(local) * uint64(asym) * uint64(ifacePenalty) / max3)
}

// IsBidirectional reports whether a combined TQ is good enough to route over.
func IsBidirectional(tq uint8) bool {
	return int(tq) >= state.TQTotalBidirectLimit
}
