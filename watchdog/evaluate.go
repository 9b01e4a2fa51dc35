package watchdog

import "time"

// evaluate decides whether an interval of wall time and cpu time exceeds the
// threshold. A non-positive wall interval never triggers.
func evaluate(thread Thread, wall, cpu time.Duration, threshold float64, now time.Time) (Report, bool) {
	if wall <= 0 {
		return Report{}, false
	}
	if float64(cpu) <= float64(wall)*threshold {
		return Report{}, false
	}
	return Report{
		Thread:     thread,
		Elapsed:    wall,
		CPUElapsed: cpu,
		Usage:      float64(cpu) / float64(wall),
		ObservedAt: now,
	}, true
}

func usageOf(wall, cpu time.Duration) float64 {
	if wall <= 0 {
		return 0
	}
	return float64(cpu) / float64(wall)
}
