package planner

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syntor/querybot/pkg/models"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

const (
	defaultToolTimeout = 30
	defaultRetryCount  = 3
	defaultPriority    = 1
)

// ArgumentSource names the intent bucket an argument is read from
type ArgumentSource string

const (
	SourceIntent   ArgumentSource = "intent"
	SourceEntities ArgumentSource = "entities"
	SourceFilters  ArgumentSource = "filters"
)

// WholeBucket as a mapping field copies the entire source bucket
const WholeBucket = "*"

// ArgumentMapping copies one intent field into a tool argument
type ArgumentMapping struct {
	Source    ArgumentSource `yaml:"source"`
	Field     string         `yaml:"field"`
	Transform Transform      `yaml:"transform,omitempty"`
}

// ToolTemplate describes one remote tool a data source may call
type ToolTemplate struct {
	Name            string                     `yaml:"name"`
	IntentTypes     []models.IntentType        `yaml:"intent_types"`
	Timeout         int                        `yaml:"timeout"` // seconds
	RetryCount      *int                       `yaml:"retry_count,omitempty"`
	DefaultArgs     map[string]any             `yaml:"default_args,omitempty"`
	ArgumentMapping map[string]ArgumentMapping `yaml:"argument_mapping,omitempty"`
}

// Applies reports whether the template serves intents of type t
func (t ToolTemplate) Applies(intentType models.IntentType) bool {
	for _, it := range t.IntentTypes {
		if it == intentType {
			return true
		}
	}
	return false
}

// TimeoutDuration returns the per-call timeout
func (t ToolTemplate) TimeoutDuration() time.Duration {
	if t.Timeout <= 0 {
		return defaultToolTimeout * time.Second
	}
	return time.Duration(t.Timeout) * time.Second
}

// Retries returns the retry count, defaulting when unset
func (t ToolTemplate) Retries() int {
	if t.RetryCount == nil {
		return defaultRetryCount
	}
	return *t.RetryCount
}

// SourceSpec is the static capability entry for one data source
type SourceSpec struct {
	Type     string         `yaml:"type"`
	Priority int            `yaml:"priority,omitempty"`
	Required *bool          `yaml:"required,omitempty"`
	Tools    []ToolTemplate `yaml:"tools"`
}

// IsRequired reports whether the source is required; unset means true
func (s SourceSpec) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// EffectivePriority returns the priority, defaulting when unset
func (s SourceSpec) EffectivePriority() int {
	if s.Priority == 0 {
		return defaultPriority
	}
	return s.Priority
}

// Catalog maps data source names to their capability entries. A loaded
// catalog is never mutated; reloads build a new one.
type Catalog map[string]SourceSpec

// Names returns the data source names in sorted order
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultCatalog returns the built-in catalog
func DefaultCatalog() Catalog {
	catalog, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("planner: embedded catalog is invalid: %v", err))
	}
	return catalog
}

// LoadCatalog reads and validates a catalog file
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	catalog, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return catalog, nil
}

// ParseCatalog decodes and validates catalog YAML
func ParseCatalog(data []byte) (Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := ValidateCatalog(catalog); err != nil {
		return nil, err
	}
	return catalog, nil
}

// ValidateCatalog checks every source, template and mapping
func ValidateCatalog(catalog Catalog) error {
	var errors []string

	if len(catalog) == 0 {
		errors = append(errors, "catalog defines no data sources")
	}

	for _, name := range catalog.Names() {
		spec := catalog[name]
		if spec.Type == "" {
			errors = append(errors, fmt.Sprintf("%s.type is required", name))
		}
		if len(spec.Tools) == 0 {
			errors = append(errors, fmt.Sprintf("%s.tools must not be empty", name))
		}

		seen := make(map[string]bool, len(spec.Tools))
		for i, tool := range spec.Tools {
			prefix := fmt.Sprintf("%s.tools[%d]", name, i)
			if tool.Name == "" {
				errors = append(errors, prefix+".name is required")
			} else if seen[tool.Name] {
				errors = append(errors, fmt.Sprintf("%s: duplicate tool %q", prefix, tool.Name))
			}
			seen[tool.Name] = true
			if len(tool.IntentTypes) == 0 {
				errors = append(errors, prefix+".intent_types must not be empty")
			}
			for _, it := range tool.IntentTypes {
				if !it.Valid() {
					errors = append(errors, fmt.Sprintf("%s: unknown intent type %q", prefix, it))
				}
			}
			if tool.Timeout < 0 {
				errors = append(errors, prefix+".timeout must not be negative")
			}
			if tool.RetryCount != nil && *tool.RetryCount < 0 {
				errors = append(errors, prefix+".retry_count must not be negative")
			}

			for arg, mapping := range tool.ArgumentMapping {
				switch mapping.Source {
				case SourceIntent, SourceEntities, SourceFilters:
				default:
					errors = append(errors, fmt.Sprintf("%s.argument_mapping.%s: unknown source %q", prefix, arg, mapping.Source))
				}
				if mapping.Field == "" {
					errors = append(errors, fmt.Sprintf("%s.argument_mapping.%s.field is required", prefix, arg))
				}
				if !mapping.Transform.Valid() {
					errors = append(errors, fmt.Sprintf("%s.argument_mapping.%s: unknown transform %q", prefix, arg, mapping.Transform))
				}
			}
		}
	}

	if len(errors) > 0 {
		sort.Strings(errors)
		return fmt.Errorf("catalog validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}
