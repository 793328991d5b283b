// Package config provides the configuration structure for the narration-service.
package config

import (
	"fmt"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                      string `toml:"url"`
	TextProcessedSubject     string `toml:"text_processed_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
}

// SynthesisConfig holds the configuration for the external TTS endpoint.
type SynthesisConfig struct {
	BaseURL        string `toml:"base_url"`
	Voice          string `toml:"voice"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// GenerationConfig tunes chunking and dispatch.
type GenerationConfig struct {
	MaxChunkChars     int `toml:"max_chunk_chars"`
	DispatchBatchSize int `toml:"dispatch_batch_size"`
}

// HTTPConfig holds the configuration for the HTTP API.
type HTTPConfig struct {
	ListenAddress string `toml:"listen_address"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS       NATSConfig       `toml:"nats"`
	Synthesis  SynthesisConfig  `toml:"synthesis"`
	Generation GenerationConfig `toml:"generation"`
	HTTP       HTTPConfig       `toml:"http"`
	Paths      PathsConfig      `toml:"paths"`
}

// Load loads the configuration for the narration-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return &cfg, nil
}
