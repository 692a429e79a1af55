package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// Load reads and parses a configuration file. JSON is the primary format;
// .yaml/.yml files are accepted for operators who prefer YAML.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes configuration bytes. The extension selects the decoder;
// anything but .yaml/.yml is treated as JSON.
func Parse(data []byte, ext string) (*Settings, error) {
	var settings Settings
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}

	applyEnvOverrides(&settings)
	return &settings, nil
}

// applyEnvOverrides lets the environment supply secrets that should not
// live in the config file.
func applyEnvOverrides(s *Settings) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		if s.JWT == nil {
			s.JWT = &JWTSettings{}
		}
		s.JWT.Secret = secret
	}
}

// Save writes settings to path atomically: a temp file in the same
// directory is renamed over the target so readers never observe a torn
// write.
func Save(s *Settings, path string) error {
	data, err := MarshalFor(s, filepath.Ext(path))
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".kairos-config-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename config into place: %w", err)
	}
	return nil
}

// MarshalFor encodes settings in the format matching the file extension.
func MarshalFor(s *Settings, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Marshal(s)
	default:
		return json.MarshalIndent(s, "", "  ")
	}
}
