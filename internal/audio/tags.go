package audio

import (
	"bytes"
	"time"
)

// Tags are the descriptive fields found in a resource. Fields absent from
// the stream are left empty.
type Tags struct {
	Title    string
	Artist   string
	Album    string
	Genre    string
	Comment  string
	Date     string
	Duration time.Duration
}

// ParseTags reads the RIFF LIST/INFO chunk and derives the duration from
// the fmt and data chunks. It returns nil tags without error when the
// stream carries no usable information.
func ParseTags(data []byte) (*Tags, error) {
	cs, err := chunks(data)
	if err != nil {
		return nil, err
	}

	var (
		tags    Tags
		found   bool
		format  waveFormat
		haveFmt bool
		dataLen int
	)
	for _, c := range cs {
		switch c.id {
		case "fmt ":
			if f, err := parseFormat(c.data); err == nil {
				format, haveFmt = f, true
			}
		case "data":
			dataLen = len(c.data)
		case "LIST":
			if len(c.data) < 4 || string(c.data[:4]) != "INFO" {
				continue
			}
			for _, sc := range subChunks(c.data[4:]) {
				if infoField(&tags, sc.id, cString(sc.data)) {
					found = true
				}
			}
		}
	}
	if haveFmt && format.ByteRate > 0 && dataLen > 0 {
		tags.Duration = time.Duration(float64(dataLen) / float64(format.ByteRate) * float64(time.Second))
		found = true
	}
	if !found {
		return nil, nil
	}
	return &tags, nil
}

func infoField(t *Tags, id, value string) bool {
	if value == "" {
		return false
	}
	switch id {
	case "INAM":
		t.Title = value
	case "IART":
		t.Artist = value
	case "IPRD":
		t.Album = value
	case "IGNR":
		t.Genre = value
	case "ICMT":
		t.Comment = value
	case "ICRD":
		t.Date = value
	default:
		return false
	}
	return true
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
