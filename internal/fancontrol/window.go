package fancontrol

// sampleWindow keeps the last n readings, most recent first.
//
// Not safe for concurrent use; owned by the card's control loop.
type sampleWindow struct {
	size    int
	samples []int
}

func newSampleWindow(size int) *sampleWindow {
	if size < 1 {
		size = 1
	}
	return &sampleWindow{size: size, samples: make([]int, 0, size+1)}
}

// Push inserts v at the front and drops anything beyond the window size.
func (w *sampleWindow) Push(v int) {
	w.samples = append(w.samples, 0)
	copy(w.samples[1:], w.samples)
	w.samples[0] = v
	if len(w.samples) > w.size {
		w.samples = w.samples[:w.size]
	}
}

func (w *sampleWindow) Len() int { return len(w.samples) }

// Values returns a copy of the window, most recent first.
func (w *sampleWindow) Values() []int {
	out := make([]int, len(w.samples))
	copy(out, w.samples)
	return out
}

func (w *sampleWindow) Max() int {
	if len(w.samples) == 0 {
		return 0
	}
	m := w.samples[0]
	for _, v := range w.samples[1:] {
		m = max(m, v)
	}
	return m
}

func (w *sampleWindow) Min() int {
	if len(w.samples) == 0 {
		return 0
	}
	m := w.samples[0]
	for _, v := range w.samples[1:] {
		m = min(m, v)
	}
	return m
}

// Mean is the integer-truncated average of the window.
func (w *sampleWindow) Mean() int {
	if len(w.samples) == 0 {
		return 0
	}
	sum := 0
	for _, v := range w.samples {
		sum += v
	}
	return sum / len(w.samples)
}

// Bouncing reports whether the readings jitter inside a narrow band rather
// than trend: at least two distinct values and a spread below bounceBand.
func (w *sampleWindow) Bouncing() bool {
	lo, hi := w.Min(), w.Max()
	return lo < hi && hi-lo < bounceBand
}
