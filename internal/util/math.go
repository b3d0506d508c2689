package util

// ClampFloat64 limits x to the closed range [lo, hi].
func ClampFloat64(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Digits returns the number of decimal digits of n (n >= 0).
func Digits(n int) int {
	d := 1
	for n >= 10 {
		n /= 10
		d++
	}
	return d
}
