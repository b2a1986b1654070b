package audio

import "math"

type SilenceMetrics struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
}

// IsSilent reports whether the buffer stays below thresholdDBFS in RMS and
// within 6 dB of it at peak.
func IsSilent(buf *Buffer, thresholdDBFS float64) (bool, SilenceMetrics) {
	metrics := Analyze(buf)

	if metrics.Samples == 0 {
		return true, metrics
	}

	if math.IsInf(metrics.RMSdBFS, -1) && math.IsInf(metrics.PeakdBFS, -1) {
		return true, metrics
	}

	peakGate := thresholdDBFS + 6
	return metrics.RMSdBFS <= thresholdDBFS && metrics.PeakdBFS <= peakGate, metrics
}

func Analyze(buf *Buffer) SilenceMetrics {
	if buf == nil || len(buf.Samples) == 0 {
		return SilenceMetrics{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1)}
	}

	var peak, sumSquares float64
	for _, s := range buf.Samples {
		value := float64(s)
		if abs := math.Abs(value); abs > peak {
			peak = abs
		}
		sumSquares += value * value
	}

	samples := int64(len(buf.Samples))
	rms := math.Sqrt(sumSquares / float64(samples))
	return SilenceMetrics{
		RMSdBFS:  amplitudeToDBFS(rms),
		PeakdBFS: amplitudeToDBFS(peak),
		Samples:  samples,
	}
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
