// Package config loads process-level bootstrap settings from the
// environment and maintains the durable, hot-reloadable camera/transcoding
// configuration backed by a JSON file on disk.
package config

import (
	"github.com/kelseyhightower/envconfig"
)

// BootstrapConfig holds settings that are fixed for the lifetime of the
// process: where to listen, where to keep state, how verbose to log. These
// are not mutable at runtime, unlike Store's Config.
type BootstrapConfig struct {
	HTTPAddr      string `envconfig:"HTTP_ADDR" default:":8181"`
	DataDir       string `envconfig:"DATA_DIR" default:"./data"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	EncoderBinary string `envconfig:"ENCODER_BINARY" default:"ffmpeg"`
}

// LoadBootstrapConfig reads BootstrapConfig from the process environment.
func LoadBootstrapConfig() (*BootstrapConfig, error) {
	var cfg BootstrapConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
