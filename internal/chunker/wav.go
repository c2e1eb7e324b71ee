package chunker

import (
	"encoding/binary"

	"github.com/audioscribe/audioscribe/internal/errors"
)

// wavInfo holds the fields extracted from a RIFF/WAVE header that are needed
// to slice and re-wrap the data region.
type wavInfo struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
	dataOffset    int // offset of the first data byte in the buffer
	dataSize      int // declared data chunk length, clamped to the buffer
}

// frameSize returns the byte size of one sample frame across all channels.
func (w *wavInfo) frameSize() int {
	fs := int(w.channels) * int(w.bitsPerSample) / 8
	if fs <= 0 {
		fs = 1
	}
	return fs
}

var (
	errNotRIFF    = errors.NewStd("buffer does not start with a RIFF/WAVE header")
	errNoFmtChunk = errors.NewStd("no fmt chunk found")
	errNoData     = errors.NewStd("no data chunk found")
)

// parseWAV walks the RIFF chunk list to locate the fmt and data chunks.
func parseWAV(buf []byte) (*wavInfo, error) {
	if len(buf) < 12 || string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" {
		return nil, errNotRIFF
	}

	info := &wavInfo{dataOffset: -1}
	haveFmt := false

	pos := 12
	for pos+8 <= len(buf) {
		id := string(buf[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(buf[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if body+16 > len(buf) {
				return nil, errNoFmtChunk
			}
			info.audioFormat = binary.LittleEndian.Uint16(buf[body : body+2])
			info.channels = binary.LittleEndian.Uint16(buf[body+2 : body+4])
			info.sampleRate = binary.LittleEndian.Uint32(buf[body+4 : body+8])
			info.bitsPerSample = binary.LittleEndian.Uint16(buf[body+14 : body+16])
			haveFmt = true
		case "data":
			info.dataOffset = body
			info.dataSize = size
			if body+info.dataSize > len(buf) {
				info.dataSize = len(buf) - body
			}
		}

		// Chunk bodies are word-aligned.
		pos = body + size
		if size%2 == 1 {
			pos++
		}
		if info.dataOffset >= 0 && haveFmt {
			break
		}
	}

	if !haveFmt {
		return nil, errNoFmtChunk
	}
	if info.dataOffset < 0 || info.dataSize <= 0 {
		return nil, errNoData
	}
	if info.channels == 0 || info.sampleRate == 0 || info.bitsPerSample == 0 {
		return nil, errNoFmtChunk
	}
	return info, nil
}

// wavHeaderSize is the size of the canonical PCM header synthesized for each
// emitted chunk.
const wavHeaderSize = 44

// synthesizeWAVHeader builds a fresh 44-byte RIFF/WAVE header describing a
// data payload of dataLen bytes with the source stream's parameters.
func synthesizeWAVHeader(info *wavInfo, dataLen int) []byte {
	h := make([]byte, wavHeaderSize)
	byteRate := info.sampleRate * uint32(info.channels) * uint32(info.bitsPerSample) / 8
	blockAlign := info.channels * info.bitsPerSample / 8

	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], info.audioFormat)
	binary.LittleEndian.PutUint16(h[22:24], info.channels)
	binary.LittleEndian.PutUint32(h[24:28], info.sampleRate)
	binary.LittleEndian.PutUint32(h[28:32], byteRate)
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], info.bitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// splitWAV slices the data region into sample-aligned pieces and wraps each
// in a synthesized header so every chunk parses as a standalone WAV file.
func splitWAV(buf []byte, chunkSize int) (*Result, error) {
	info, err := parseWAV(buf)
	if err != nil {
		return nil, err
	}

	frame := info.frameSize()
	// Reserve room for the synthesized header, then align down to a whole
	// number of sample frames.
	payload := chunkSize - wavHeaderSize
	payload -= payload % frame
	if payload <= 0 {
		payload = frame
	}
	overlap := int(float64(chunkSize) * byteOverlapRatio)
	overlap -= overlap % frame

	dataStart := info.dataOffset
	dataEnd := info.dataOffset + info.dataSize

	var chunks []Chunk
	for start := dataStart; start < dataEnd; start += payload {
		end := min(start+payload, dataEnd)
		sliceStart := max(start-overlap, dataStart)

		body := buf[sliceStart:end]
		bytes := make([]byte, 0, wavHeaderSize+len(body))
		bytes = append(bytes, synthesizeWAVHeader(info, len(body))...)
		bytes = append(bytes, body...)

		chunks = append(chunks, Chunk{
			Start:      int64(start),
			End:        int64(end),
			Bytes:      bytes,
			IsPlayable: true,
		})
	}

	// The tiling must cover the whole buffer: attribute the original header
	// to the first chunk and any trailing bytes to the last.
	chunks[0].Start = 0
	chunks[len(chunks)-1].End = int64(len(buf))

	return &Result{Format: FormatWAV, Chunks: chunks}, nil
}
