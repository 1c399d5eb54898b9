package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNotRIFF       = errors.New("not a RIFF/WAVE stream")
	ErrMissingFormat = errors.New("wave stream has no fmt chunk")
	ErrMissingData   = errors.New("wave stream has no data chunk")
)

const (
	formatPCM        = 1
	formatFloat      = 3
	formatExtensible = 0xFFFE
)

type chunk struct {
	id   string
	data []byte
}

// waveFormat mirrors the fmt chunk of a WAVE file.
type waveFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// chunks walks the top level chunks of a RIFF/WAVE stream. A truncated
// final chunk is returned with whatever data is present.
func chunks(data []byte) ([]chunk, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotRIFF
	}
	return subChunks(data[12:]), nil
}

func subChunks(data []byte) []chunk {
	var out []chunk
	for off := 0; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		start := off + 8
		end := start + size
		if size < 0 || end > len(data) {
			end = len(data)
		}
		out = append(out, chunk{id: id, data: data[start:end]})
		// chunks are word aligned
		off = start + size + size&1
		if off < start {
			break
		}
	}
	return out
}

func parseFormat(data []byte) (waveFormat, error) {
	if len(data) < 16 {
		return waveFormat{}, fmt.Errorf("fmt chunk too short: %d bytes", len(data))
	}
	f := waveFormat{
		AudioFormat:   binary.LittleEndian.Uint16(data[0:2]),
		NumChannels:   binary.LittleEndian.Uint16(data[2:4]),
		SampleRate:    binary.LittleEndian.Uint32(data[4:8]),
		ByteRate:      binary.LittleEndian.Uint32(data[8:12]),
		BlockAlign:    binary.LittleEndian.Uint16(data[12:14]),
		BitsPerSample: binary.LittleEndian.Uint16(data[14:16]),
	}
	if f.AudioFormat == formatExtensible && len(data) >= 26 {
		// sub format GUID starts at offset 24; its first two bytes carry the
		// plain format code
		f.AudioFormat = binary.LittleEndian.Uint16(data[24:26])
	}
	if f.NumChannels == 0 {
		return f, errors.New("fmt chunk declares zero channels")
	}
	return f, nil
}
