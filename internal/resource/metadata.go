package resource

import (
	"time"

	"github.com/52poke/kodama/internal/audio"
)

// Artwork is one image entry of a platform media session.
type Artwork struct {
	Src   string `json:"src"`
	Sizes string `json:"sizes,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Metadata is the platform facing description of a resource. It is built
// on every resolution and never persisted.
type Metadata struct {
	Title    string        `json:"title,omitempty"`
	Artist   string        `json:"artist,omitempty"`
	Album    string        `json:"album,omitempty"`
	Artwork  []Artwork     `json:"artwork,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// DefaultMetadata copies the parsed tags verbatim. Nil tags give an empty
// record.
func DefaultMetadata(t *audio.Tags) Metadata {
	if t == nil {
		return Metadata{}
	}
	return Metadata{
		Title:    t.Title,
		Artist:   t.Artist,
		Album:    t.Album,
		Duration: t.Duration,
	}
}
