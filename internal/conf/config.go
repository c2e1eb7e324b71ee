// Package conf loads and holds the service configuration. Settings are read
// once from a YAML config file (plus environment overrides) via viper and
// shared across packages.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Settings is the root configuration structure.
type Settings struct {
	Debug bool `mapstructure:"debug"`

	Main struct {
		Name string `mapstructure:"name"` // node name for logs
	} `mapstructure:"main"`

	HTTP struct {
		Address string `mapstructure:"address"` // listen address, e.g. ":8080"
	} `mapstructure:"http"`

	Upload UploadSettings `mapstructure:"upload"`

	Transcription TranscriptionSettings `mapstructure:"transcription"`

	LLM LLMSettings `mapstructure:"llm"`

	Limits LimitSettings `mapstructure:"limits"`

	ObjectStore ObjectStoreSettings `mapstructure:"objectstore"`

	KV KVSettings `mapstructure:"kv"`
}

// UploadSettings bound the chunked upload plan.
type UploadSettings struct {
	ChunkSizeMB    int    `mapstructure:"chunksizemb"`    // default chunk size, 1-100
	MinFileSize    int64  `mapstructure:"minfilesize"`    // bytes, default 5 MiB
	MaxFileSize    int64  `mapstructure:"maxfilesize"`    // bytes, default 10 GiB
	WebhookURL     string `mapstructure:"webhookurl"`     // optional terminal-state webhook
	PresignExpiry  int    `mapstructure:"presignexpiry"`  // seconds, default 3600
	UseLLM         bool   `mapstructure:"usellm"`         // default LLM correction toggle
	LLMMode        string `mapstructure:"llmmode"`        // per_chunk | post
	MaxConcurrent  int    `mapstructure:"maxconcurrent"`  // concurrent uploads hint returned to clients
}

// TranscriptionSettings configure the external speech-to-text client.
type TranscriptionSettings struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"apikey"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LLMSettings configure the transcript correction client.
type LLMSettings struct {
	Endpoint    string        `mapstructure:"endpoint"`
	APIKey      string        `mapstructure:"apikey"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LimitSettings size the four rate-limiter classes.
type LimitSettings struct {
	Transcription   int `mapstructure:"transcription"`
	LLM             int `mapstructure:"llm"`
	JobSpawn        int `mapstructure:"jobspawn"`
	ChunkProcessing int `mapstructure:"chunkprocessing"`
}

// ObjectStoreSettings select and configure the blob backend.
type ObjectStoreSettings struct {
	Backend  string `mapstructure:"backend"` // "s3" or "memory"
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"` // optional custom S3 endpoint
}

// KVSettings configure record lifetimes in the key-value store.
type KVSettings struct {
	JobTTL       time.Duration `mapstructure:"jobttl"`       // default 24h
	CompletedTTL time.Duration `mapstructure:"completedttl"` // default 7d
}

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Setting returns the shared Settings instance, loading it on first use.
func Setting() *Settings {
	once.Do(func() {
		settingsMutex.Lock()
		defer settingsMutex.Unlock()
		if settingsInstance == nil {
			settings, err := Load()
			if err != nil {
				panic(fmt.Sprintf("error loading settings: %v", err))
			}
			settingsInstance = settings
		}
	})
	return GetSettings()
}

// GetSettings returns the current settings instance without loading.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Load reads the configuration from disk and unmarshals it.
func Load() (*Settings, error) {
	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	return settings, nil
}

// initViper initializes viper with default values and reads the
// configuration file if one exists. A missing config file is not an error;
// defaults and environment variables apply.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetEnvPrefix("audioscribe")
	viper.AutomaticEnv()

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !asConfigFileNotFound(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func asConfigFileNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

// GetDefaultConfigPaths returns the list of directories searched for the
// config file: working directory first, then the user config directory.
func GetDefaultConfigPaths() ([]string, error) {
	paths := []string{"."}
	configDir, err := os.UserConfigDir()
	if err == nil {
		paths = append(paths, filepath.Join(configDir, "audioscribe"))
	}
	return paths, nil
}
