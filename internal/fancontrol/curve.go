package fancontrol

// bounceBand is the temperature spread (degrees C) under which the window
// is treated as jitter.
const bounceBand = 5

// speedTier maps an inclusive upper temperature bound to a speedStep.
type speedTier struct {
	upToC int
	step  int
}

// Temperatures at or below minSpeedUpToC run the fan at pwm1_min; above
// the last tier it runs at pwm1_max.
const minSpeedUpToC = 45

var speedTiers = []speedTier{
	{upToC: 50, step: 2},
	{upToC: 55, step: 3},
	{upToC: 60, step: 4},
	{upToC: 65, step: 5},
	{upToC: 70, step: 6},
	{upToC: 75, step: 7},
}

// SpeedFor returns the target PWM duty for the hottest recent temperature
// and the average GPU load.
//
// Negative readings fall through to maxPWM.
func SpeedFor(maxTempC, loadAvg, minPWM, maxPWM int) int {
	if maxTempC < 0 {
		return maxPWM
	}
	if maxTempC <= minSpeedUpToC {
		return minPWM
	}
	for _, tier := range speedTiers {
		if maxTempC <= tier.upToC {
			return speedStep(tier.step, loadAvg, maxPWM)
		}
	}
	return maxPWM
}

// speedStep scales twelfths of maxPWM by step and the load multiplier,
// clamped to maxPWM.
func speedStep(step, loadAvg, maxPWM int) int {
	base := float64(maxPWM / 12)
	speed := int(base * float64(step) * loadMultiplier(loadAvg))
	if speed >= maxPWM {
		return maxPWM
	}
	return speed
}

func loadMultiplier(loadAvg int) float64 {
	switch {
	case loadAvg >= 51 && loadAvg <= 75:
		return 1.1
	case loadAvg >= 76 && loadAvg <= 100:
		return 1.2
	default:
		return 1.0
	}
}
