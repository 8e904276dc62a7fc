package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Manifest defines the structure of a plugin's manifest.yaml file.
type Manifest struct {
	Name        string         `yaml:"name"`
	Version     string         `yaml:"version"`
	Protocol    int            `yaml:"protocol"`
	Entrypoint  string         `yaml:"entrypoint"`
	Description string         `yaml:"description,omitempty"`
	Timeout     time.Duration  `yaml:"timeout,omitempty"`
	Config      map[string]any `yaml:"config,omitempty"`
	// OutputSchema is a JSON Schema applied to every emitted row, or a compact
	// map of column:type.
	OutputSchema any `yaml:"output_schema,omitempty"`
}

// Plugin represents a discovered and validated plugin on disk.
type Plugin struct {
	Name         string // Plugin name from manifest
	Path         string // Absolute path to plugin directory
	Entrypoint   string // Absolute path to entrypoint executable
	Protocol     int
	Version      string
	Description  string
	Timeout      time.Duration
	OutputSchema []byte // JSON, nil when the manifest declares none
	ContentHash  string // BLAKE3 of the entrypoint
}

// Status is the lifecycle state of a registered manifest entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusStaging    Status = "staging"
	StatusActive     Status = "active"
	StatusRejected   Status = "rejected"
	StatusSuperseded Status = "superseded"
	// StatusDeployed is a legacy alias for active. It is accepted in storage
	// and normalized to StatusActive on every read.
	StatusDeployed Status = "deployed"
)

// Normalize maps legacy aliases onto their canonical status.
func (s Status) Normalize() Status {
	if s == StatusDeployed {
		return StatusActive
	}
	return s
}

// Entry is one registered plugin version.
type Entry struct {
	ID           string
	Name         string
	Version      string
	ContentHash  string
	Entrypoint   string
	OutputSchema []byte
	Status       Status
	Reason       *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ActivatedAt  *time.Time
}

var (
	ErrNotFound         = errors.New("manifest entry not found")
	ErrDuplicateVersion = errors.New("duplicate manifest version")
	ErrRejectedEntry    = errors.New("manifest entry is rejected")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// schemaJSON expands and encodes the manifest's output schema.
func (m *Manifest) schemaJSON() ([]byte, error) {
	s := expandSchema(m.OutputSchema)
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode output_schema: %w", err)
	}
	return b, nil
}

// expandSchema turns the compact `column: type` form into an object schema.
// Anything that already has a "type" key is returned untouched.
func expandSchema(schema any) any {
	if schema == nil {
		return nil
	}
	m, ok := schema.(map[string]any)
	if !ok {
		return schema
	}
	if _, hasType := m["type"]; hasType {
		return schema
	}

	properties := make(map[string]any, len(m))
	for k, v := range m {
		if t, isString := v.(string); isString {
			properties[k] = map[string]string{"type": strings.TrimSpace(t)}
		} else {
			properties[k] = v
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
	}
}
