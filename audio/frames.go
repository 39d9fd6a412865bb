package audio

import "time"

func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// FloatToInt16 converts normalized float samples into dst, clamping to
// [-1, 1]. dst must be at least as long as src.
func FloatToInt16(dst []int16, src []float32) {
	for i, s := range src {
		switch {
		case s >= 1:
			dst[i] = 0x7fff
		case s <= -1:
			dst[i] = -0x8000
		case s < 0:
			dst[i] = int16(s * 0x8000)
		default:
			dst[i] = int16(s * 0x7fff)
		}
	}
}

func Int16ToFloat(dst []float32, src []int16) {
	for i, s := range src {
		dst[i] = float32(s) / 0x8000
	}
}
