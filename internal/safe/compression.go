// internal/safe/compression.go
package safe

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// CompressionOptions configures compression behavior
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int
	// Compression level (1=fastest, 4=best)
	Level int
	// File extensions to skip compression for
	SkipExtensions []string
}

// DefaultCompressionOptions provides sensible defaults
func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 1024, // 1KB
		Level:   2,    // Balanced speed/compression
		SkipExtensions: []string{
			".zip", ".gz", ".zst", ".xz", ".bz2",
			".png", ".jpg", ".jpeg", ".gif", ".webp",
			".mp3", ".mp4", ".avi", ".mkv",
			".pdf", ".docx", ".xlsx",
		},
	}
}

// compressionManager handles compression operations
type compressionManager struct {
	opts CompressionOptions

	encoders sync.Pool
	decoders sync.Pool
}

func newCompressionManager(opts CompressionOptions) (*compressionManager, error) {
	if opts.Level == 0 {
		opts.Level = DefaultCompressionOptions().Level
	}
	level := zstd.EncoderLevelFromZstd(opts.Level)

	// Fail early on bad options rather than inside a pool constructor.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	enc.Close()

	cm := &compressionManager{opts: opts}
	cm.encoders.New = func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
		return enc
	}
	cm.decoders.New = func() interface{} {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return dec
	}
	return cm, nil
}

// shouldCompress determines if content should be compressed
func (cm *compressionManager) shouldCompress(name string, size int) bool {
	if size < cm.opts.MinSize {
		return false
	}

	ext := strings.ToLower(filepath.Ext(name))
	for _, skipExt := range cm.opts.SkipExtensions {
		if ext == skipExt {
			return false
		}
	}

	return true
}

// compress returns the encoded form of content and whether encoding was
// applied. Content that does not shrink is kept as is.
func (cm *compressionManager) compress(name string, content []byte) ([]byte, bool) {
	if !cm.shouldCompress(name, len(content)) {
		return content, false
	}

	enc := cm.encoders.Get().(*zstd.Encoder)
	defer cm.encoders.Put(enc)

	out := enc.EncodeAll(content, make([]byte, 0, len(content)/2))
	if len(out) >= len(content) {
		return content, false
	}
	return out, true
}

// decompress decodes zstd frames; anything else is returned unchanged.
func (cm *compressionManager) decompress(content []byte) ([]byte, error) {
	if len(content) < len(zstdMagic) || !bytes.Equal(content[:len(zstdMagic)], zstdMagic) {
		return content, nil
	}

	dec := cm.decoders.Get().(*zstd.Decoder)
	defer cm.decoders.Put(dec)

	out, err := dec.DecodeAll(content, nil)
	if err != nil {
		return nil, fmt.Errorf("decoding zstd frame: %w", err)
	}
	return out, nil
}
