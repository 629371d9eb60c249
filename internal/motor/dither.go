package motor

import "time"

const (
	ditherMaxStep   = 15
	ditherFullScale = 0.39
	ditherPeriodMS  = 40
)

// ditherOffset is a 25 Hz square wave added to the duty at the lowest
// speed steps to break static friction. Its amplitude scales with the CV and
// fades out linearly by step 15.
func ditherOffset(step, amount uint8, now time.Time) float64 {
	if step == 0 || step >= ditherMaxStep || amount == 0 {
		return 0
	}
	d := float64(amount) / 255 * ditherFullScale * (1 - float64(step)/ditherMaxStep)
	if now.UnixMilli()%ditherPeriodMS < ditherPeriodMS/2 {
		return d
	}
	return -d
}
