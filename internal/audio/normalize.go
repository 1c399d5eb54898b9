package audio

import "math"

// PeakNormalizer returns a normalization function that folds all channels
// into buckets evenly spaced over the buffer, takes the mean absolute
// amplitude of each bucket and scales the result so the loudest bucket is
// 1. Buffers shorter than buckets yield one value per frame.
func PeakNormalizer(buckets int) func(*Buffer) []float64 {
	return func(b *Buffer) []float64 {
		return normalizePeaks(b, buckets)
	}
}

func normalizePeaks(b *Buffer, buckets int) []float64 {
	frames := b.Frames()
	if frames == 0 || buckets <= 0 {
		return []float64{}
	}
	if buckets > frames {
		buckets = frames
	}

	out := make([]float64, buckets)
	block := frames / buckets
	var peak float64
	for i := range out {
		start := i * block
		end := start + block
		if i == buckets-1 {
			end = frames
		}
		var sum float64
		for _, ch := range b.Channels {
			for _, s := range ch[start:end] {
				sum += math.Abs(float64(s))
			}
		}
		out[i] = sum / float64((end-start)*len(b.Channels))
		peak = math.Max(peak, out[i])
	}
	if peak == 0 {
		return out
	}
	for i := range out {
		out[i] /= peak
	}
	return out
}
