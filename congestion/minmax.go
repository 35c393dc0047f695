package congestion

// minmaxSamples is the number of tracked best choices.  Three samples are
// enough to track the windowed extreme plus two successively newer
// runners-up, per the Linux minmax filter.
const minmaxSamples = 3

// MinMaxSample pairs a measurement with the (virtual) time it was taken.
// Time may be a round count or a µs timestamp; only differences matter.
type MinMaxSample struct {
	Time  uint64
	Value uint64
}

// MinMax maintains the maximum (or minimum) of a measure over a rolling
// window without storing the full history.  Invariant for a max filter:
// samples[0] >= samples[1] >= samples[2], all within window of each other.
type MinMax struct {
	window  uint64
	samples [minmaxSamples]MinMaxSample
}

// Init sets the window length and clears the filter.
func (m *MinMax) Init(window uint64) {
	m.window = window
	m.Reset(MinMaxSample{})
}

// Get returns the current windowed extreme.
func (m *MinMax) Get() uint64 {
	return m.samples[0].Value
}

// GetIdx returns the idx'th best sample, falling back to the best for an
// out-of-range index.
func (m *MinMax) GetIdx(idx int) uint64 {
	if idx < 0 || idx >= minmaxSamples {
		return m.samples[0].Value
	}
	return m.samples[idx].Value
}

// Reset seeds all three choices from a single sample.
func (m *MinMax) Reset(s MinMaxSample) {
	for i := range m.samples {
		m.samples[i] = s
	}
}

// UpdateMax folds a new measurement into a max filter.
func (m *MinMax) UpdateMax(now, meas uint64) {
	s := MinMaxSample{Time: now, Value: meas}
	if m.samples[0].Value == 0 || // uninitialized
		s.Value >= m.samples[0].Value || // found new max?
		s.Time-m.samples[2].Time > m.window { // nothing left in window?
		m.Reset(s)
		return
	}
	if s.Value >= m.samples[1].Value {
		m.samples[2] = s
		m.samples[1] = s
	} else if s.Value >= m.samples[2].Value {
		m.samples[2] = s
	}
	m.subwinUpdate(s)
}

// UpdateMin folds a new measurement into a min filter.
func (m *MinMax) UpdateMin(now, meas uint64) {
	s := MinMaxSample{Time: now, Value: meas}
	if m.samples[0].Value == 0 ||
		s.Value <= m.samples[0].Value ||
		s.Time-m.samples[2].Time > m.window {
		m.Reset(s)
		return
	}
	if s.Value <= m.samples[1].Value {
		m.samples[2] = s
		m.samples[1] = s
	} else if s.Value <= m.samples[2].Value {
		m.samples[2] = s
	}
	m.subwinUpdate(s)
}

// subwinUpdate ages the runner-up choices as the window slides, so a stale
// extreme cannot outlive its window.
func (m *MinMax) subwinUpdate(s MinMaxSample) {
	dt := s.Time - m.samples[0].Time
	switch {
	case dt > m.window:
		// Passed the entire window without a new extreme: promote the
		// 2nd choice and make the new sample the 3rd choice.  May need a
		// second shift if the promoted choice is also out of window.
		m.samples[0] = m.samples[1]
		m.samples[1] = m.samples[2]
		m.samples[2] = s
		if s.Time-m.samples[0].Time > m.window {
			m.samples[0] = m.samples[1]
			m.samples[1] = m.samples[2]
			m.samples[2] = s
		}
	case m.samples[1].Time == m.samples[0].Time && dt > m.window/4:
		// A quarter of the window passed without a better 2nd choice.
		m.samples[2] = s
		m.samples[1] = s
	case m.samples[2].Time == m.samples[1].Time && dt > m.window/2:
		// Half the window passed without a better 3rd choice.
		m.samples[2] = s
	}
}
