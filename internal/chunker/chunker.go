// Package chunker splits an in-memory audio buffer into byte-range chunks
// that are independently decodable by the transcription API. WAV and MP3 get
// boundary-aware splitting; container formats the chunker cannot re-wrap
// fall back to naive slicing with a warning flag.
package chunker

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/audioscribe/audioscribe/internal/errors"
	"github.com/audioscribe/audioscribe/internal/logging"
)

// Format identifies the container format detected from the filename.
type Format string

const (
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatMP4     Format = "mp4"
	FormatFLAC    Format = "flac"
	FormatOGG     Format = "ogg"
	FormatUnknown Format = "unknown"
)

// Overlap ratios. WAV and naive chunks carry ~5% of chunk size as leading
// overlap; MP3 carries ~2% of frames.
const (
	byteOverlapRatio  = 0.05
	frameOverlapRatio = 0.02
)

// mp3SyncScanLimit bounds the initial frame-sync scan; a buffer with no
// sync word in this window is treated as not-MP3 and chunked naively.
const mp3SyncScanLimit = 64 * 1024

// Chunk is one emitted piece of the source buffer. Start and End delimit the
// non-overlap byte range in the original buffer; the ranges of all chunks
// tile the buffer exactly. Bytes is the independently decodable payload and
// may include a synthesized header and leading overlap.
type Chunk struct {
	Start      int64
	End        int64
	Bytes      []byte
	IsPlayable bool
}

// Result is the output of Split.
type Result struct {
	Format  Format
	Chunks  []Chunk
	Warning string // non-empty when a container format fell back to naive slicing
}

var logger *slog.Logger

func init() {
	logger = logging.ForService("chunker")
}

// DetectFormat maps a filename extension onto a Format.
func DetectFormat(filename string) Format {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "wav":
		return FormatWAV
	case "mp3":
		return FormatMP3
	case "mp4", "m4a":
		return FormatMP4
	case "flac":
		return FormatFLAC
	case "ogg":
		return FormatOGG
	default:
		return FormatUnknown
	}
}

// Extension returns the lowercased filename extension without the dot, or
// "bin" when the filename has none. Object keys and transcription requests
// share this so the two cannot drift.
func Extension(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return "bin"
	}
	return ext
}

// Split divides buf into chunks of at most chunkSize bytes using the
// format-specific strategy for the given filename.
func Split(buf []byte, chunkSize int, filename string) (*Result, error) {
	if chunkSize <= 0 {
		return nil, errInvalidChunkSize
	}

	format := DetectFormat(filename)

	// A buffer that fits in one chunk is emitted whole regardless of format.
	if len(buf) <= chunkSize {
		return &Result{
			Format: format,
			Chunks: []Chunk{{Start: 0, End: int64(len(buf)), Bytes: buf, IsPlayable: true}},
		}, nil
	}

	switch format {
	case FormatWAV:
		result, err := splitWAV(buf, chunkSize)
		if err != nil {
			logger.Warn("WAV header not parseable, falling back to naive chunking",
				"filename", filename, "error", err)
			return splitNaive(buf, chunkSize, format, "wav header not parseable; chunks may not be independently decodable"), nil
		}
		return result, nil
	case FormatMP3:
		result, err := splitMP3(buf, chunkSize)
		if err != nil {
			logger.Warn("no MP3 frame sync found, falling back to naive chunking",
				"filename", filename, "error", err)
			return splitNaive(buf, chunkSize, format, "no mp3 frames found; chunks may not be independently decodable"), nil
		}
		return result, nil
	case FormatMP4, FormatFLAC, FormatOGG:
		// Boundary detection for these containers is not implemented; the
		// transcription API may reject mid-stream slices.
		return splitNaive(buf, chunkSize, format,
			string(format)+" containers are chunked naively; the transcription API may reject non-leading chunks"), nil
	default:
		return splitNaive(buf, chunkSize, format, ""), nil
	}
}

// splitNaive slices buf into contiguous chunkSize pieces with ~5% leading
// overlap. No playability guarantee.
func splitNaive(buf []byte, chunkSize int, format Format, warning string) *Result {
	overlap := int(float64(chunkSize) * byteOverlapRatio)
	var chunks []Chunk
	for start := 0; start < len(buf); start += chunkSize {
		end := min(start+chunkSize, len(buf))
		payloadStart := max(start-overlap, 0)
		chunks = append(chunks, Chunk{
			Start:      int64(start),
			End:        int64(end),
			Bytes:      buf[payloadStart:end],
			IsPlayable: false,
		})
	}
	if len(chunks) > 0 {
		// The leading chunk starts at the true head of the file.
		chunks[0].IsPlayable = true
	}
	return &Result{Format: format, Chunks: chunks, Warning: warning}
}

var errInvalidChunkSize = errors.NewStd("chunk size must be positive")
