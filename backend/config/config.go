// Package config holds the immutable call format shared by every room.
//
// All participants in a call use the same PCM format; nothing is negotiated
// per connection. The values are parsed once at startup and passed down to
// the room directory.
package config

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerSample is fixed: audio is 16-bit signed PCM throughout.
const BytesPerSample = 2

var (
	ErrBadSampleRate = errors.New("sample rate must be positive")
	ErrBadChannels   = errors.New("channels must be 1 or 2")
	ErrBadChunkSize  = errors.New("chunk size must be positive")
	ErrBadBatchSize  = errors.New("batch size must be positive")
	ErrBadGain       = errors.New("gain must be positive")
	ErrBadQueueCap   = errors.New("queue cap must be at least one batch")
)

// Audio describes the call-wide PCM format and mixing parameters.
type Audio struct {
	// SampleRate in Hz.
	SampleRate int
	// Channels is 1 (mono) or 2 (stereo).
	Channels int
	// ChunkSize is the number of samples per chunk per channel.
	ChunkSize int
	// BatchSize is the number of chunks consumed per mixing iteration.
	// Larger batches smooth jitter at the cost of latency.
	BatchSize int
	// Gain is the integer amplification factor applied to mixed samples.
	Gain int
	// MaxQueueBatches caps each jitter queue, in batches. Pushing past the
	// cap evicts the oldest chunk.
	MaxQueueBatches int
}

// Default returns the stock call format: mono 44.1kHz, 1024-sample chunks,
// 8 chunks per batch, 5x gain, queues capped at 4 batches.
func Default() Audio {
	return Audio{
		SampleRate:      44100,
		Channels:        1,
		ChunkSize:       1024,
		BatchSize:       8,
		Gain:            5,
		MaxQueueBatches: 4,
	}
}

func (a Audio) Validate() error {
	if a.SampleRate <= 0 {
		return ErrBadSampleRate
	}
	if a.Channels != 1 && a.Channels != 2 {
		return ErrBadChannels
	}
	if a.ChunkSize <= 0 {
		return ErrBadChunkSize
	}
	if a.BatchSize <= 0 {
		return ErrBadBatchSize
	}
	if a.Gain <= 0 {
		return ErrBadGain
	}
	if a.MaxQueueBatches < 1 {
		return ErrBadQueueCap
	}
	return nil
}

// ChunkBytes is the exact byte length of one audio chunk on the wire.
func (a Audio) ChunkBytes() int {
	return a.ChunkSize * a.Channels * BytesPerSample
}

// BatchBytes is the byte length of one drained batch (one mix half).
func (a Audio) BatchBytes() int {
	return a.ChunkBytes() * a.BatchSize
}

// ChunkDuration is the real-time duration one chunk represents.
func (a Audio) ChunkDuration() time.Duration {
	return time.Duration(a.ChunkSize) * time.Second / time.Duration(a.SampleRate)
}

// BatchDuration is the real-time duration one batch represents. It paces the
// silence broadcast for rooms where everyone is muted.
func (a Audio) BatchDuration() time.Duration {
	return a.ChunkDuration() * time.Duration(a.BatchSize)
}

// MaxQueueChunks is the jitter queue depth cap in chunks.
func (a Audio) MaxQueueChunks() int {
	return a.BatchSize * a.MaxQueueBatches
}

func (a Audio) String() string {
	return fmt.Sprintf("%dHz/%dch chunk=%d batch=%d gain=%d", a.SampleRate, a.Channels, a.ChunkSize, a.BatchSize, a.Gain)
}
