package chunker

import (
	"github.com/audioscribe/audioscribe/internal/errors"
)

// MP3 frame header tables, MPEG-1/2/2.5 layers I-III. Bitrates in kbit/s,
// sample rates in Hz; index 0 is "free" and the last index is reserved.
var (
	mp3BitratesV1L3 = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
	mp3BitratesV1L2 = [16]int{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0}
	mp3BitratesV1L1 = [16]int{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0}
	mp3BitratesV2L1 = [16]int{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0}
	mp3BitratesV2L2 = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0}

	mp3SampleRatesV1  = [4]int{44100, 48000, 32000, 0}
	mp3SampleRatesV2  = [4]int{22050, 24000, 16000, 0}
	mp3SampleRatesV25 = [4]int{11025, 12000, 8000, 0}
)

var errNoMP3Frames = errors.NewStd("no valid mp3 frame sync found")

// mp3Frame records the position and length of one frame in the buffer.
type mp3Frame struct {
	offset int
	size   int
}

// IsFrameSync reports whether the two bytes form an MP3 frame sync word:
// 11 set bits followed by a non-reserved version/layer field.
func IsFrameSync(b0, b1 byte) bool {
	return b0 == 0xFF && b1 >= 0xE0
}

// ParseFrameHeader validates a 4-byte MP3 frame header and returns the frame
// size in bytes. It returns 0 for impossible combinations: reserved version
// or layer, free or bad bitrate index, reserved sample rate index.
func ParseFrameHeader(h []byte) int {
	if len(h) < 4 || !IsFrameSync(h[0], h[1]) {
		return 0
	}

	version := (h[1] >> 3) & 0x03 // 00=MPEG2.5, 01=reserved, 10=MPEG2, 11=MPEG1
	layer := (h[1] >> 1) & 0x03   // 00=reserved, 01=III, 10=II, 11=I
	bitrateIdx := (h[2] >> 4) & 0x0F
	sampleIdx := (h[2] >> 2) & 0x03
	padding := int((h[2] >> 1) & 0x01)

	if version == 0x01 || layer == 0x00 {
		return 0
	}
	if bitrateIdx == 0 || bitrateIdx == 15 || sampleIdx == 3 {
		return 0
	}

	var sampleRate int
	switch version {
	case 0x03:
		sampleRate = mp3SampleRatesV1[sampleIdx]
	case 0x02:
		sampleRate = mp3SampleRatesV2[sampleIdx]
	default:
		sampleRate = mp3SampleRatesV25[sampleIdx]
	}
	if sampleRate == 0 {
		return 0
	}

	var bitrate int
	switch {
	case version == 0x03 && layer == 0x01: // MPEG1 layer III
		bitrate = mp3BitratesV1L3[bitrateIdx]
	case version == 0x03 && layer == 0x02: // MPEG1 layer II
		bitrate = mp3BitratesV1L2[bitrateIdx]
	case version == 0x03 && layer == 0x03: // MPEG1 layer I
		bitrate = mp3BitratesV1L1[bitrateIdx]
	case layer == 0x03: // MPEG2/2.5 layer I
		bitrate = mp3BitratesV2L1[bitrateIdx]
	default: // MPEG2/2.5 layers II and III share a table
		bitrate = mp3BitratesV2L2[bitrateIdx]
	}
	if bitrate == 0 {
		return 0
	}
	bitrate *= 1000

	if layer == 0x03 { // layer I
		return (12*bitrate/sampleRate + padding) * 4
	}
	if version != 0x03 && layer == 0x01 { // MPEG2/2.5 layer III uses 576 samples
		return 72*bitrate/sampleRate + padding
	}
	return 144*bitrate/sampleRate + padding
}

// ID3TagSize returns the total size of a leading ID3v2 tag (header included)
// when buf starts with one. The tag length is a 28-bit syncsafe integer in
// bytes 6-9.
func ID3TagSize(buf []byte) (int, bool) {
	if len(buf) < 10 || string(buf[0:3]) != "ID3" {
		return 0, false
	}
	size := int(buf[6]&0x7F)<<21 | int(buf[7]&0x7F)<<14 | int(buf[8]&0x7F)<<7 | int(buf[9]&0x7F)
	return size + 10, true
}

// scanMP3Frames walks buf collecting valid frame positions. Candidates whose
// headers parse but whose computed size runs past the buffer are kept with
// the remainder as their size, so trailing partial frames are not dropped.
func scanMP3Frames(buf []byte) []mp3Frame {
	var frames []mp3Frame

	pos := 0
	if tagSize, ok := ID3TagSize(buf); ok {
		pos = min(tagSize, len(buf))
	}

	for pos+4 <= len(buf) {
		if !IsFrameSync(buf[pos], buf[pos+1]) {
			// Resync: no frames seen within the scan window means not MP3.
			if len(frames) == 0 && pos > mp3SyncScanLimit {
				return nil
			}
			pos++
			continue
		}
		size := ParseFrameHeader(buf[pos : pos+4])
		if size == 0 {
			pos++
			continue
		}
		if pos+size > len(buf) {
			size = len(buf) - pos
		}
		frames = append(frames, mp3Frame{offset: pos, size: size})
		pos += size
	}
	return frames
}

// splitMP3 packs consecutive frames greedily into chunks of at most
// chunkSize bytes. Every chunk starts on a frame sync; ~2% of the previous
// chunk's frames are prepended as overlap.
func splitMP3(buf []byte, chunkSize int) (*Result, error) {
	frames := scanMP3Frames(buf)
	if len(frames) == 0 {
		return nil, errNoMP3Frames
	}

	// Greedy packing into frame groups.
	var groups [][]mp3Frame
	var current []mp3Frame
	currentBytes := 0
	for _, f := range frames {
		if currentBytes+f.size > chunkSize && len(current) > 0 {
			groups = append(groups, current)
			current = nil
			currentBytes = 0
		}
		current = append(current, f)
		currentBytes += f.size
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}

	var chunks []Chunk
	for i, group := range groups {
		start := group[0].offset
		last := group[len(group)-1]
		end := last.offset + last.size

		payloadStart := start
		if i > 0 {
			prev := groups[i-1]
			overlapFrames := int(float64(len(prev)) * frameOverlapRatio)
			if overlapFrames < 1 {
				overlapFrames = 1
			}
			payloadStart = prev[len(prev)-overlapFrames].offset
		}

		chunks = append(chunks, Chunk{
			Start:      int64(start),
			End:        int64(end),
			Bytes:      buf[payloadStart:end],
			IsPlayable: true,
		})
	}

	// Attribute the leading ID3 tag (and any junk) to the first chunk and
	// trailing bytes to the last so the ranges tile the whole buffer.
	chunks[0].Start = 0
	chunks[len(chunks)-1].End = int64(len(buf))

	return &Result{Format: FormatMP3, Chunks: chunks}, nil
}

// ZeroDensity returns the fraction of zero bytes in the first n bytes of
// buf. A high density in the file head usually means a corrupted or
// zero-padded recording start.
func ZeroDensity(buf []byte, n int) float64 {
	if len(buf) == 0 {
		return 0
	}
	n = min(n, len(buf))
	zeros := 0
	for _, b := range buf[:n] {
		if b == 0 {
			zeros++
		}
	}
	return float64(zeros) / float64(n)
}

// HasRIFFHeader reports whether buf starts with a RIFF marker. Used by
// chunk-0 failure diagnostics.
func HasRIFFHeader(buf []byte) bool {
	return len(buf) >= 4 && string(buf[0:4]) == "RIFF"
}
