package stretch

// Deemphasize applies a unity-gain one-pole low-pass filter:
// y[n] = (1-c)*x[n] + c*y[n-1]. A coefficient in (0, 1) softens the
// high-frequency smearing a phase vocoder leaves behind at large stretch
// ratios. Coefficients outside (0, 1) return an unfiltered copy.
func Deemphasize(samples []float64, coefficient float64) []float64 {
	out := make([]float64, len(samples))
	if coefficient <= 0 || coefficient >= 1 {
		copy(out, samples)

		return out
	}

	previous := 0.0
	for i, sample := range samples {
		previous = (1-coefficient)*sample + coefficient*previous
		out[i] = previous
	}

	return out
}
