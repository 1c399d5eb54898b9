package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
)

// EncodeWAV writes b as a 16-bit PCM RIFF/WAVE stream. Non-empty info
// entries are written to a LIST/INFO chunk keyed by their four character
// id (INAM, IART, ...).
func EncodeWAV(b *Buffer, info map[string]string) []byte {
	channels := len(b.Channels)
	frames := b.Frames()

	var pcm bytes.Buffer
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			v := math.Max(-1, math.Min(1, float64(b.Channels[ch][i])))
			_ = binary.Write(&pcm, binary.LittleEndian, int16(math.Round(v*32767)))
		}
	}

	var body bytes.Buffer
	body.WriteString("WAVE")

	fmtChunk := make([]byte, 16)
	binary.LittleEndian.PutUint16(fmtChunk[0:2], formatPCM)
	binary.LittleEndian.PutUint16(fmtChunk[2:4], uint16(channels))
	binary.LittleEndian.PutUint32(fmtChunk[4:8], uint32(b.SampleRate))
	binary.LittleEndian.PutUint32(fmtChunk[8:12], uint32(b.SampleRate*channels*2))
	binary.LittleEndian.PutUint16(fmtChunk[12:14], uint16(channels*2))
	binary.LittleEndian.PutUint16(fmtChunk[14:16], 16)
	writeChunk(&body, "fmt ", fmtChunk)

	if len(info) > 0 {
		ids := make([]string, 0, len(info))
		for id := range info {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		var list bytes.Buffer
		list.WriteString("INFO")
		for _, id := range ids {
			if info[id] == "" {
				continue
			}
			writeChunk(&list, id, append([]byte(info[id]), 0))
		}
		writeChunk(&body, "LIST", list.Bytes())
	}

	writeChunk(&body, "data", pcm.Bytes())

	var out bytes.Buffer
	out.WriteString("RIFF")
	_ = binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func writeChunk(w *bytes.Buffer, id string, data []byte) {
	w.WriteString(id)
	_ = binary.Write(w, binary.LittleEndian, uint32(len(data)))
	w.Write(data)
	if len(data)%2 == 1 {
		w.WriteByte(0)
	}
}
