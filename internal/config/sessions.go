package config

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/aeroling/oralexam/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed sessions.yaml
var defaultSessions []byte

type sessionFile struct {
	Sessions []domain.SessionDefinition `yaml:"sessions"`
}

// LoadSessionTable reads the session table from path, or the built-in table
// when path is empty.
func LoadSessionTable(path string) (*domain.SessionTable, error) {
	data := defaultSessions
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read session table: %w", err)
		}
		data = b
	}
	return ParseSessionTable(data)
}

// ParseSessionTable decodes and validates a YAML session table.
func ParseSessionTable(data []byte) (*domain.SessionTable, error) {
	var f sessionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode session table: %w", err)
	}
	table, err := domain.NewSessionTable(f.Sessions)
	if err != nil {
		return nil, fmt.Errorf("validate session table: %w", err)
	}
	return table, nil
}
