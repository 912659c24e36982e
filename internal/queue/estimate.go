package queue

import "time"

// waitEstimator keeps a simple moving average over the most recent loading durations
type waitEstimator struct {
	window  int
	samples []time.Duration
	next    int
	sum     time.Duration
}

func newWaitEstimator(window int) *waitEstimator {
	if window <= 0 {
		window = 1
	}
	return &waitEstimator{window: window}
}

func (w *waitEstimator) clone() *waitEstimator {
	c := *w
	c.samples = append([]time.Duration(nil), w.samples...)
	return &c
}

func (w *waitEstimator) add(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if len(w.samples) < w.window {
		w.samples = append(w.samples, d)
		w.sum += d
		return
	}
	w.sum += d - w.samples[w.next]
	w.samples[w.next] = d
	w.next = (w.next + 1) % w.window
}

// average returns the moving average, or fallback when there is no history
func (w *waitEstimator) average(fallback time.Duration) time.Duration {
	if len(w.samples) == 0 {
		return fallback
	}
	return w.sum / time.Duration(len(w.samples))
}

// EstimatedWait is the average loading duration times the entries ahead of position
func (s *Store) EstimatedWait(position int, fallback time.Duration) time.Duration {
	ahead := position - 1
	if ahead <= 0 {
		return 0
	}
	return time.Duration(ahead) * s.loading.average(fallback)
}

// AverageLoading exposes the zone's current moving average
func (s *Store) AverageLoading(fallback time.Duration) time.Duration {
	return s.loading.average(fallback)
}
