package fieldsync

import (
	"math/rand"
	"time"
)

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredInterval spreads periodic work by up to +/- ratio around base.
// A zero ratio keeps the cadence exact.
func jitteredInterval(base time.Duration, jitterRatio float64) time.Duration {
	return jitteredIntervalWithSample(base, jitterRatio, rand.Float64())
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
