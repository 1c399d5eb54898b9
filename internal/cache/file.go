package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const (
	frameRaw  byte = 0
	frameZstd byte = 1

	// payloads at or below this size are stored uncompressed
	compressThreshold = 1024
)

// FileStore keeps one file per key under a base directory. File names are
// the hex sha256 of the key since keys embed URLs. Payloads larger than
// compressThreshold are zstd-compressed when that makes them smaller.
type FileStore struct {
	basePath string
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

func NewFileStore(basePath string, level int) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if level <= 0 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &FileStore{basePath: basePath, encoder: enc, decoder: dec}, nil
}

func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("cache file for %q is truncated", key)
	}
	switch data[0] {
	case frameRaw:
		return data[1:], nil
	case frameZstd:
		out, err := f.decoder.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress %q: %w", key, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cache file for %q has unknown frame %d", key, data[0])
	}
}

func (f *FileStore) Put(_ context.Context, key string, value []byte) error {
	frame := append([]byte{frameRaw}, value...)
	if len(value) > compressThreshold {
		compressed := f.encoder.EncodeAll(value, []byte{frameZstd})
		if len(compressed) < len(frame) {
			frame = compressed
		}
	}

	tmp, err := os.CreateTemp(f.basePath, ".put-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(frame); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path(key))
}

// Close releases the zstd encoder and decoder.
func (f *FileStore) Close() error {
	f.decoder.Close()
	return f.encoder.Close()
}

func (f *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.basePath, hex.EncodeToString(sum[:]))
}
