package chunker

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildWAV constructs a PCM WAV buffer with the given data payload.
func buildWAV(t *testing.T, channels, sampleRate, bitsPerSample int, dataLen int) []byte {
	t.Helper()
	info := &wavInfo{
		audioFormat:   1,
		channels:      uint16(channels),
		sampleRate:    uint32(sampleRate),
		bitsPerSample: uint16(bitsPerSample),
	}
	data := make([]byte, dataLen)
	for i := range data {
		data[i] = byte(i % 251)
	}
	buf := synthesizeWAVHeader(info, dataLen)
	return append(buf, data...)
}

// buildMP3 constructs a buffer of count valid MPEG1 layer III frames at
// 128 kbit/s, 44.1 kHz (417 bytes each), optionally preceded by an ID3v2 tag.
func buildMP3(t *testing.T, count, id3Size int) []byte {
	t.Helper()
	var buf []byte
	if id3Size > 0 {
		tag := make([]byte, id3Size)
		copy(tag, "ID3")
		tag[3] = 4 // version
		body := id3Size - 10
		tag[6] = byte(body >> 21 & 0x7F)
		tag[7] = byte(body >> 14 & 0x7F)
		tag[8] = byte(body >> 7 & 0x7F)
		tag[9] = byte(body & 0x7F)
		buf = append(buf, tag...)
	}
	frame := make([]byte, 417)
	frame[0] = 0xFF
	frame[1] = 0xFB // MPEG1, layer III, no CRC
	frame[2] = 0x90 // 128 kbit/s, 44.1 kHz, no padding
	for i := 4; i < len(frame); i++ {
		frame[i] = byte(i)
	}
	for range count {
		buf = append(buf, frame...)
	}
	return buf
}

// assertTiling verifies that chunk ranges partition [0, total) exactly.
func assertTiling(t *testing.T, chunks []Chunk, total int64) {
	t.Helper()
	require.NotEmpty(t, chunks)
	assert.Equal(t, int64(0), chunks[0].Start)
	assert.Equal(t, total, chunks[len(chunks)-1].End)
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1].End, chunks[i].Start,
			"gap or overlap between chunk %d and %d", i-1, i)
	}
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FormatWAV, DetectFormat("speech.wav"))
	assert.Equal(t, FormatWAV, DetectFormat("SPEECH.WAV"))
	assert.Equal(t, FormatMP3, DetectFormat("podcast.mp3"))
	assert.Equal(t, FormatMP4, DetectFormat("meeting.m4a"))
	assert.Equal(t, FormatMP4, DetectFormat("video.mp4"))
	assert.Equal(t, FormatFLAC, DetectFormat("master.flac"))
	assert.Equal(t, FormatOGG, DetectFormat("voice.ogg"))
	assert.Equal(t, FormatUnknown, DetectFormat("notes.txt"))
	assert.Equal(t, FormatUnknown, DetectFormat("noextension"))
}

func TestExtension(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "mp3", Extension("podcast.MP3"))
	assert.Equal(t, "wav", Extension("speech.wav"))
	assert.Equal(t, "m4a", Extension("meeting.m4a"))
	assert.Equal(t, "bin", Extension("noextension"))
	assert.Equal(t, "bin", Extension(""))
}

func TestSplitSmallBufferSingleChunk(t *testing.T) {
	t.Parallel()

	buf := []byte("tiny audio buffer")
	result, err := Split(buf, 1024, "clip.mp3")
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	assert.Equal(t, buf, result.Chunks[0].Bytes)
	assert.True(t, result.Chunks[0].IsPlayable)
	assertTiling(t, result.Chunks, int64(len(buf)))
}

func TestSplitWAV(t *testing.T) {
	t.Parallel()

	const dataLen = 100_000
	chunkSize := 16 * 1024
	buf := buildWAV(t, 2, 44100, 16, dataLen)
	result, err := Split(buf, chunkSize, "recording.wav")
	require.NoError(t, err)
	assert.Equal(t, FormatWAV, result.Format)
	assert.Empty(t, result.Warning)
	require.Greater(t, len(result.Chunks), 1)

	assertTiling(t, result.Chunks, int64(len(buf)))

	frame := 2 * 16 / 8
	for i, c := range result.Chunks {
		assert.True(t, c.IsPlayable, "chunk %d", i)
		assert.LessOrEqual(t, len(c.Bytes), chunkSize+int(float64(chunkSize)*byteOverlapRatio)+wavHeaderSize)

		// every emitted chunk must parse as a standalone WAV file
		decoder := wav.NewDecoder(bytes.NewReader(c.Bytes))
		require.True(t, decoder.IsValidFile(), "chunk %d is not a valid WAV file", i)
		pcm, err := decoder.FullPCMBuffer()
		require.NoError(t, err, "chunk %d", i)
		assert.Equal(t, &audio.Format{NumChannels: 2, SampleRate: 44100}, pcm.Format)
		assert.Equal(t, (len(c.Bytes)-wavHeaderSize)/2, len(pcm.Data), "chunk %d", i)

		// declared data length matches the payload length
		declared := binary.LittleEndian.Uint32(c.Bytes[40:44])
		assert.Equal(t, int(declared), len(c.Bytes)-wavHeaderSize, "chunk %d", i)
		assert.Zero(t, (len(c.Bytes)-wavHeaderSize)%frame, "chunk %d not sample-aligned", i)
	}
}

func TestSplitWAVReconstruction(t *testing.T) {
	t.Parallel()

	buf := buildWAV(t, 1, 16000, 16, 50_000)
	result, err := Split(buf, 8*1024, "mono.wav")
	require.NoError(t, err)

	// concatenating the non-overlap ranges reconstructs the original buffer
	var rebuilt []byte
	for _, c := range result.Chunks {
		rebuilt = append(rebuilt, buf[c.Start:c.End]...)
	}
	assert.Equal(t, buf, rebuilt)
}

func TestSplitWAVUnparseableFallsBackToNaive(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 50_000) // zeros, no RIFF header
	result, err := Split(buf, 8*1024, "broken.wav")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Warning)
	assertTiling(t, result.Chunks, int64(len(buf)))
}

func TestSplitMP3(t *testing.T) {
	t.Parallel()

	buf := buildMP3(t, 200, 0) // ~83 KB of frames
	result, err := Split(buf, 16*1024, "speech.mp3")
	require.NoError(t, err)
	assert.Equal(t, FormatMP3, result.Format)
	require.Greater(t, len(result.Chunks), 1)
	assertTiling(t, result.Chunks, int64(len(buf)))

	for i, c := range result.Chunks {
		assert.True(t, c.IsPlayable, "chunk %d", i)
		// every chunk starts on a valid frame sync with a parseable header
		require.True(t, IsFrameSync(c.Bytes[0], c.Bytes[1]), "chunk %d", i)
		assert.Positive(t, ParseFrameHeader(c.Bytes[0:4]), "chunk %d", i)
	}
}

func TestSplitMP3WithID3Tag(t *testing.T) {
	t.Parallel()

	buf := buildMP3(t, 100, 2048)
	result, err := Split(buf, 16*1024, "tagged.mp3")
	require.NoError(t, err)
	assertTiling(t, result.Chunks, int64(len(buf)))
	// first chunk range covers the tag, but its payload starts on a frame sync
	assert.True(t, IsFrameSync(result.Chunks[0].Bytes[0], result.Chunks[0].Bytes[1]))
}

func TestSplitMP3NoSyncFallsBackToNaive(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 200_000)
	for i := range buf {
		buf[i] = 0x55 // never a sync byte
	}
	result, err := Split(buf, 16*1024, "junk.mp3")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Warning)
	assertTiling(t, result.Chunks, int64(len(buf)))
}

func TestSplitNaiveFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		filename    string
		wantWarning bool
	}{
		{"meeting.m4a", true},
		{"master.flac", true},
		{"voice.ogg", true},
		{"blob.bin", false},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			t.Parallel()
			buf := make([]byte, 100_000)
			chunkSize := 16 * 1024
			result, err := Split(buf, chunkSize, tt.filename)
			require.NoError(t, err)
			assertTiling(t, result.Chunks, int64(len(buf)))
			if tt.wantWarning {
				assert.NotEmpty(t, result.Warning)
			} else {
				assert.Empty(t, result.Warning)
			}
			// naive chunks carry ~5% leading overlap
			require.Greater(t, len(result.Chunks), 1)
			second := result.Chunks[1]
			assert.Equal(t, int(second.End-second.Start)+int(float64(chunkSize)*byteOverlapRatio), len(second.Bytes))
		})
	}
}

func TestParseFrameHeaderRejectsImpossible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		h    []byte
	}{
		{"not a sync", []byte{0x12, 0x34, 0x56, 0x78}},
		{"reserved version", []byte{0xFF, 0xEB, 0x90, 0x00}},
		{"reserved layer", []byte{0xFF, 0xF9, 0x90, 0x00}},
		{"free bitrate", []byte{0xFF, 0xFB, 0x00, 0x00}},
		{"bad bitrate", []byte{0xFF, 0xFB, 0xF0, 0x00}},
		{"reserved sample rate", []byte{0xFF, 0xFB, 0x9C, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Zero(t, ParseFrameHeader(tt.h))
		})
	}

	// the canonical test frame parses to its expected size
	assert.Equal(t, 417, ParseFrameHeader([]byte{0xFF, 0xFB, 0x90, 0x00}))
}

func TestID3TagSize(t *testing.T) {
	t.Parallel()

	buf := buildMP3(t, 1, 2048)
	size, ok := ID3TagSize(buf)
	require.True(t, ok)
	assert.Equal(t, 2048, size)

	_, ok = ID3TagSize([]byte("RIFFxxxx"))
	assert.False(t, ok)
	_, ok = ID3TagSize([]byte("ID"))
	assert.False(t, ok)
}

func TestZeroDensity(t *testing.T) {
	t.Parallel()

	assert.Zero(t, ZeroDensity(nil, 1024))
	assert.InDelta(t, 1.0, ZeroDensity(make([]byte, 100), 1024), 0.001)

	half := make([]byte, 100)
	for i := 0; i < 50; i++ {
		half[i] = 1
	}
	assert.InDelta(t, 0.5, ZeroDensity(half, 100), 0.001)
}
