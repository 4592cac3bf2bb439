package cloud

import (
	"encoding/json"
	"fmt"
)

// Config contains cloud-provider connection options, decoded from a
// connection's credentials blob.
type Config struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
}

// FromBlob decodes a credentials blob into a Config.
func FromBlob(blob string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return nil, fmt.Errorf("invalid cloud credentials: %w", err)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("access_key and secret_key are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &cfg, nil
}
