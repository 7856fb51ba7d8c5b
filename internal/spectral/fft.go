// Package spectral extracts FFT-derived timing features from inter-arrival
// intervals, used by the behavioral detector wave to distinguish the
// regular cadence of automated traffic from human jitter.
package spectral

import "math"

type complex128Pair struct {
	re, im float64
}

// fft computes the discrete Fourier transform of a real-valued signal whose
// length is a power of two, via iterative radix-2 Cooley-Tukey. Returns the
// magnitude spectrum (length len(signal)).
func fft(signal []float64) []float64 {
	n := len(signal)
	buf := make([]complex128Pair, n)
	for i, v := range signal {
		buf[i] = complex128Pair{re: v, im: 0}
	}

	// bit-reversal permutation
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		angleStep := -2 * math.Pi / float64(size)
		for start := 0; start < n; start += size {
			for k := 0; k < half; k++ {
				angle := angleStep * float64(k)
				wr, wi := math.Cos(angle), math.Sin(angle)
				a := buf[start+k]
				b := buf[start+k+half]
				tr := b.re*wr - b.im*wi
				ti := b.re*wi + b.im*wr
				buf[start+k+half] = complex128Pair{re: a.re - tr, im: a.im - ti}
				buf[start+k] = complex128Pair{re: a.re + tr, im: a.im + ti}
			}
		}
	}

	mags := make([]float64, n)
	for i, c := range buf {
		mags[i] = math.Hypot(c.re, c.im)
	}
	return mags
}

// nextPowerOfTwo returns the smallest power of two ≥ n.
func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
