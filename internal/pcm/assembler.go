package pcm

import "sync"

// Assembler regroups arbitrarily-sized pushes of PCM16 samples into
// fixed-size frames (e.g. re-chunking 10ms captures into 20ms codec frames).
type Assembler struct {
	frameSamples int
	buf          []int16
	mu           sync.Mutex
}

func NewAssembler(frameSamples int) *Assembler {
	if frameSamples < 1 {
		frameSamples = 1
	}
	return &Assembler{frameSamples: frameSamples}
}

// Push appends in and returns zero or more complete frames drained from the
// front of the internal backlog.
func (a *Assembler) Push(in []int16) [][]int16 {
	if len(in) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf = append(a.buf, in...)
	var out [][]int16
	for len(a.buf) >= a.frameSamples {
		frame := make([]int16, a.frameSamples)
		copy(frame, a.buf[:a.frameSamples])
		out = append(out, frame)
		a.buf = a.buf[a.frameSamples:]
	}
	return out
}
