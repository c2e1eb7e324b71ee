package conf

import (
	"time"

	"github.com/spf13/viper"
)

// File size bounds for chunked uploads.
const (
	MinChunkSizeMB = 1
	MaxChunkSizeMB = 100

	DefaultChunkSizeMB = 5

	MinUploadFileSize = 5 * 1024 * 1024         // 5 MiB
	MaxUploadFileSize = 10 * 1024 * 1024 * 1024 // 10 GiB
)

// setDefaultConfig registers the default value for every setting so a bare
// deployment starts without a config file.
func setDefaultConfig() {
	viper.SetDefault("debug", false)
	viper.SetDefault("main.name", "audioscribe")

	viper.SetDefault("http.address", ":8080")

	viper.SetDefault("upload.chunksizemb", DefaultChunkSizeMB)
	viper.SetDefault("upload.minfilesize", int64(MinUploadFileSize))
	viper.SetDefault("upload.maxfilesize", int64(MaxUploadFileSize))
	viper.SetDefault("upload.presignexpiry", 3600)
	viper.SetDefault("upload.usellm", false)
	viper.SetDefault("upload.llmmode", "per_chunk")
	viper.SetDefault("upload.maxconcurrent", 3)

	viper.SetDefault("transcription.endpoint", "")
	viper.SetDefault("transcription.apikey", "")
	viper.SetDefault("transcription.model", "whisper-1")
	viper.SetDefault("transcription.timeout", 30*time.Second)

	viper.SetDefault("llm.endpoint", "")
	viper.SetDefault("llm.apikey", "")
	viper.SetDefault("llm.model", "")
	viper.SetDefault("llm.temperature", 0.1)
	viper.SetDefault("llm.timeout", 30*time.Second)

	viper.SetDefault("limits.transcription", 4)
	viper.SetDefault("limits.llm", 2)
	viper.SetDefault("limits.jobspawn", 8)
	viper.SetDefault("limits.chunkprocessing", 4)

	viper.SetDefault("objectstore.backend", "memory")
	viper.SetDefault("objectstore.bucket", "audioscribe-uploads")
	viper.SetDefault("objectstore.region", "us-east-1")
	viper.SetDefault("objectstore.endpoint", "")

	viper.SetDefault("kv.jobttl", 24*time.Hour)
	viper.SetDefault("kv.completedttl", 7*24*time.Hour)
}
