package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Source resolves settings from the environment first, then from an optional
// YAML file, then from the caller's fallback.
type Source struct {
	file map[string]string
}

// LoadSource reads a flat YAML document of KEY: value pairs. An empty path
// yields an environment-only source.
func LoadSource(path string) (Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Source{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("read config file: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Source{}, fmt.Errorf("parse config file: %w", err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[strings.ToUpper(strings.TrimSpace(k))] = fmt.Sprint(v)
	}
	return Source{file: values}, nil
}

func (s Source) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok {
		return value, true
	}
	value, ok := s.file[key]
	return value, ok
}

// String resolves a string setting.
func (s Source) String(key, fallback string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return fallback
}

// Int resolves an integer setting.
func (s Source) Int(key string, fallback int) int {
	if value, ok := s.lookup(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// Int64 resolves a 64-bit integer setting.
func (s Source) Int64(key string, fallback int64) int64 {
	if value, ok := s.lookup(key); ok {
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// Bool resolves a boolean setting.
func (s Source) Bool(key string, fallback bool) bool {
	if value, ok := s.lookup(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// Duration resolves a duration setting. Bare integers are read as seconds.
func (s Source) Duration(key string, fallback time.Duration) time.Duration {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("invalid value for %s: %v", key, err)
		return fallback
	}
	return parsed
}
