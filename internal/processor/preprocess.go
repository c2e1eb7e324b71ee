package processor

import (
	"log/slog"

	"github.com/audioscribe/audioscribe/internal/chunker"
	"github.com/audioscribe/audioscribe/internal/errors"
)

// zeroDensityWindow is the head span inspected for corruption hints.
const zeroDensityWindow = 1024

// minAudioTail is the smallest audio remainder worth keeping when an ID3
// tag is stripped from the first chunk.
const minAudioTail = 1024

// prepareChunkBytes applies conservative preprocessing before
// transcription. Only chunk 0 is touched: a leading ID3v2 tag that
// dominates the chunk is stripped when a meaningful audio tail remains,
// otherwise bytes pass through unchanged. Non-zero chunks are only checked
// for emptiness.
func prepareChunkBytes(buf []byte, chunkIndex int, format chunker.Format, logger *slog.Logger) ([]byte, error) {
	if len(buf) == 0 {
		return nil, errors.Newf("chunk %d is empty", chunkIndex).
			Category(errors.CategoryAudioEmpty).
			Build()
	}
	if chunkIndex != 0 {
		return buf, nil
	}

	// A mostly-zero head usually means a corrupted recording start. Log it
	// but keep going; the transcription API is the authority.
	if density := chunker.ZeroDensity(buf, zeroDensityWindow); density > 0.5 {
		logger.Warn("first chunk head is mostly zero bytes, likely corrupted",
			"zero_density", density)
	}

	if format != chunker.FormatMP3 {
		return buf, nil
	}

	tagSize, ok := chunker.ID3TagSize(buf)
	if !ok {
		return buf, nil
	}

	switch {
	case tagSize >= len(buf):
		// The whole chunk is tag. Keep it unchanged; the skip rule handles
		// the inevitable no-audio response.
		logger.Info("first chunk is entirely ID3 tag", "tag_size", tagSize, "chunk_size", len(buf))
		return buf, nil
	case tagSize > len(buf)/2 && len(buf)-tagSize > minAudioTail:
		logger.Info("stripping dominant ID3 tag from first chunk",
			"tag_size", tagSize, "audio_tail", len(buf)-tagSize)
		return buf[tagSize:], nil
	default:
		return buf, nil
	}
}

// logChunkZeroDiagnostics emits format-detection counters after chunk 0
// exhausts its retries, to make head corruption visible in the logs.
func logChunkZeroDiagnostics(buf []byte, logger *slog.Logger) {
	tagSize, hasID3 := chunker.ID3TagSize(buf)
	logger.Error("first chunk failed all transcription attempts",
		"zero_density", chunker.ZeroDensity(buf, zeroDensityWindow),
		"has_riff_header", chunker.HasRIFFHeader(buf),
		"has_id3_tag", hasID3,
		"id3_tag_size", tagSize,
		"chunk_size", len(buf))
}
