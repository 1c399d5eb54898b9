// Package audio provides the default external capabilities of the
// resource pipeline: a RIFF/WAVE decoder, a RIFF INFO tag parser and a peak
// normalizer that turns decoded samples into a bounded waveform sequence.
package audio
