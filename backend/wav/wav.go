// Package wav persists an in-memory PCM buffer as a canonical 44-byte-header
// WAV file and reads one back with strict header validation. Clients use it
// to save call recordings; the relay core never touches disk.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

const (
	bytesPerSample = 2
	headerSize     = 44
	fmtChunkSize   = 16
	pcmFormat      = 1
)

var (
	ErrBadFormat   = errors.New("audio must be 16-bit PCM with 1 or 2 channels")
	ErrFormatMixup = errors.New("appended data format does not match")
	ErrNoData      = errors.New("no audio data")
	ErrBadHeader   = errors.New("malformed wav header")
)

// Audio is an in-memory PCM recording: little-endian 16-bit samples,
// interleaved when stereo.
type Audio struct {
	SampleRate int
	Channels   int
	Data       []byte
}

// New validates the format and wraps the given PCM data.
func New(data []byte, sampleRate, channels int) (*Audio, error) {
	if sampleRate <= 0 || (channels != 1 && channels != 2) {
		return nil, ErrBadFormat
	}
	return &Audio{SampleRate: sampleRate, Channels: channels, Data: data}, nil
}

// Append concatenates more PCM data recorded in the same format.
func (a *Audio) Append(data []byte, sampleRate, channels int) error {
	if sampleRate != a.SampleRate || channels != a.Channels {
		return ErrFormatMixup
	}
	a.Data = append(a.Data, data...)
	return nil
}

// PCM returns the data converted to the requested channel count. Mono to
// stereo halves each sample and duplicates it; stereo to mono averages each
// pair. Same-channel requests return the data as is.
func (a *Audio) PCM(channels int) ([]byte, error) {
	if channels != 1 && channels != 2 {
		return nil, ErrBadFormat
	}
	if channels == a.Channels {
		return a.Data, nil
	}

	if a.Channels == 1 {
		// Up-mix: halve to keep the summed stereo level, write twice.
		out := make([]byte, 0, len(a.Data)*2)
		for i := 0; i+1 < len(a.Data); i += bytesPerSample {
			v := int16(binary.LittleEndian.Uint16(a.Data[i:])) / 2
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
		}
		return out, nil
	}

	// Down-mix: average each left/right pair.
	out := make([]byte, 0, len(a.Data)/2)
	for i := 0; i+3 < len(a.Data); i += 2 * bytesPerSample {
		l := int16(binary.LittleEndian.Uint16(a.Data[i:]))
		r := int16(binary.LittleEndian.Uint16(a.Data[i+bytesPerSample:]))
		out = binary.LittleEndian.AppendUint16(out, uint16(int16((int32(l)+int32(r))/2)))
	}
	return out, nil
}

// Write stores the recording at path. A partially-written file is removed on
// error.
func (a *Audio) Write(path string) error {
	if len(a.Data) == 0 {
		return ErrNoData
	}

	buf := new(bytes.Buffer)
	buf.Grow(headerSize + len(a.Data))
	buf.WriteString("RIFF")
	le := binary.LittleEndian
	_ = binary.Write(buf, le, uint32(headerSize-8+len(a.Data)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(buf, le, uint32(fmtChunkSize))
	_ = binary.Write(buf, le, uint16(pcmFormat))
	_ = binary.Write(buf, le, uint16(a.Channels))
	_ = binary.Write(buf, le, uint32(a.SampleRate))
	_ = binary.Write(buf, le, uint32(a.SampleRate*a.Channels*bytesPerSample)) // byte rate
	_ = binary.Write(buf, le, uint16(a.Channels*bytesPerSample))              // block align
	_ = binary.Write(buf, le, uint16(bytesPerSample*8))                       // bits per sample
	buf.WriteString("data")
	_ = binary.Write(buf, le, uint32(len(a.Data)))
	buf.Write(a.Data)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("writing wav file: %w", err)
	}
	return nil
}

// Read loads and validates a WAV file written in the canonical layout.
func Read(path string) (*Audio, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading wav file: %w", err)
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: file shorter than header", ErrBadHeader)
	}
	le := binary.LittleEndian

	if string(raw[0:4]) != "RIFF" {
		return nil, fmt.Errorf("%w: missing RIFF marker", ErrBadHeader)
	}
	chunkSize := le.Uint32(raw[4:])
	if string(raw[8:16]) != "WAVEfmt " {
		return nil, fmt.Errorf("%w: missing WAVEfmt marker", ErrBadHeader)
	}
	if le.Uint32(raw[16:]) != fmtChunkSize {
		return nil, fmt.Errorf("%w: unexpected fmt chunk size", ErrBadHeader)
	}
	if le.Uint16(raw[20:]) != pcmFormat {
		return nil, fmt.Errorf("%w: not uncompressed PCM", ErrBadHeader)
	}
	channels := int(le.Uint16(raw[22:]))
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("%w: channels must be 1 or 2", ErrBadHeader)
	}
	sampleRate := int(le.Uint32(raw[24:]))
	byteRate := le.Uint32(raw[28:])
	blockAlign := le.Uint16(raw[32:])
	bitsPerSample := le.Uint16(raw[34:])
	if bitsPerSample != bytesPerSample*8 {
		return nil, fmt.Errorf("%w: only 16-bit samples supported", ErrBadHeader)
	}
	if string(raw[36:40]) != "data" {
		return nil, fmt.Errorf("%w: missing data marker", ErrBadHeader)
	}
	dataSize := le.Uint32(raw[40:])

	if byteRate != uint32(sampleRate*channels*bytesPerSample) {
		return nil, fmt.Errorf("%w: inconsistent byte rate", ErrBadHeader)
	}
	if blockAlign != uint16(channels*bytesPerSample) {
		return nil, fmt.Errorf("%w: inconsistent block align", ErrBadHeader)
	}
	if chunkSize != dataSize+headerSize-8 {
		return nil, fmt.Errorf("%w: inconsistent chunk size", ErrBadHeader)
	}
	if len(raw) < headerSize+int(dataSize) {
		return nil, fmt.Errorf("%w: truncated data section", ErrBadHeader)
	}

	return &Audio{
		SampleRate: sampleRate,
		Channels:   channels,
		Data:       raw[headerSize : headerSize+int(dataSize)],
	}, nil
}
