package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// WAVDecoder decodes RIFF/WAVE streams carrying integer PCM (8, 16, 24 or
// 32 bit) or 32/64-bit IEEE float samples.
type WAVDecoder struct{}

func (WAVDecoder) Decode(_ context.Context, data []byte) (*Buffer, error) {
	cs, err := chunks(data)
	if err != nil {
		return nil, err
	}

	var (
		format  waveFormat
		haveFmt bool
		pcm     []byte
		haveRaw bool
	)
	for _, c := range cs {
		switch c.id {
		case "fmt ":
			if format, err = parseFormat(c.data); err != nil {
				return nil, err
			}
			haveFmt = true
		case "data":
			pcm = c.data
			haveRaw = true
		}
	}
	if !haveFmt {
		return nil, ErrMissingFormat
	}
	if !haveRaw {
		return nil, ErrMissingData
	}

	sampleOf, err := sampleReader(format)
	if err != nil {
		return nil, err
	}

	width := int(format.BitsPerSample) / 8
	channels := int(format.NumChannels)
	frameSize := width * channels
	frames := len(pcm) / frameSize

	buf := &Buffer{
		SampleRate: int(format.SampleRate),
		Channels:   make([][]float32, channels),
	}
	for ch := range buf.Channels {
		buf.Channels[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		frame := pcm[i*frameSize : (i+1)*frameSize]
		for ch := 0; ch < channels; ch++ {
			buf.Channels[ch][i] = sampleOf(frame[ch*width : (ch+1)*width])
		}
	}
	return buf, nil
}

func sampleReader(f waveFormat) (func([]byte) float32, error) {
	switch f.AudioFormat {
	case formatPCM:
		switch f.BitsPerSample {
		case 8:
			// 8-bit PCM is unsigned
			return func(b []byte) float32 { return (float32(b[0]) - 128) / 128 }, nil
		case 16:
			return func(b []byte) float32 {
				return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
			}, nil
		case 24:
			return func(b []byte) float32 {
				v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
				return float32(v) / 8388608
			}, nil
		case 32:
			return func(b []byte) float32 {
				return float32(float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648)
			}, nil
		}
	case formatFloat:
		switch f.BitsPerSample {
		case 32:
			return func(b []byte) float32 {
				return math.Float32frombits(binary.LittleEndian.Uint32(b))
			}, nil
		case 64:
			return func(b []byte) float32 {
				return float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
			}, nil
		}
	}
	return nil, fmt.Errorf("unsupported wave format %d with %d bits per sample", f.AudioFormat, f.BitsPerSample)
}
