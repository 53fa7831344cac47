package timing

import "math"

// runningStats accumulates mean and variance with Welford's update.
type runningStats struct {
	Count int
	Mean  float64
	M2    float64
}

func (s *runningStats) update(x float64) {
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / float64(s.Count)
	delta2 := x - s.Mean
	s.M2 += delta * delta2
}

func (s *runningStats) stddev() float64 {
	if s.Count < 2 {
		return 0
	}
	return math.Sqrt(s.M2 / float64(s.Count-1))
}

// cv is the coefficient of variation, or 0 without enough data.
func (s *runningStats) cv() float64 {
	if s.Count < 2 || s.Mean <= Epsilon {
		return 0
	}
	return s.stddev() / s.Mean
}

// ring is a fixed-size window over the most recent values.
type ring struct {
	buf   []float64
	index int
	size  int
}

func newRing(size int) *ring {
	return &ring{buf: make([]float64, 0, size), size: size}
}

func (r *ring) push(v float64) {
	if len(r.buf) < r.size {
		r.buf = append(r.buf, v)
	} else {
		r.buf[r.index] = v
	}
	r.index = (r.index + 1) % r.size
}

func (r *ring) full() bool {
	return len(r.buf) == r.size
}

func (r *ring) mean() float64 {
	if len(r.buf) == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.buf {
		sum += v
	}
	return sum / float64(len(r.buf))
}
