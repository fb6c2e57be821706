package tokenizer

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var modelsYAML []byte

// Model describes one OpenAI model's limits.
type Model struct {
	Name          string `yaml:"-"`
	ContextWindow int    `yaml:"context_window"`
	Encoding      string `yaml:"encoding"`
	Endpoint      string `yaml:"endpoint"`
}

type registryFile struct {
	Version  string            `yaml:"version"`
	Provider string            `yaml:"provider"`
	Models   map[string]Model  `yaml:"models"`
	Defaults map[string]string `yaml:"defaults"`
}

// Registry resolves model names to their limits.
type Registry struct {
	models   map[string]Model
	defaults map[string]string
}

var (
	builtin     *Registry
	builtinErr  error
	builtinOnce sync.Once
)

// Builtin returns the registry parsed from the embedded models.yaml.
func Builtin() (*Registry, error) {
	builtinOnce.Do(func() {
		builtin, builtinErr = ParseRegistry(modelsYAML)
	})
	return builtin, builtinErr
}

// ParseRegistry decodes a registry document.
func ParseRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing model registry: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("model registry has no models")
	}
	r := &Registry{models: make(map[string]Model, len(f.Models)), defaults: f.Defaults}
	for name, m := range f.Models {
		if m.ContextWindow <= 0 {
			return nil, fmt.Errorf("model %s: context_window must be positive", name)
		}
		m.Name = name
		r.models[name] = m
	}
	return r, nil
}

// Lookup returns the named model. An empty name resolves to the default
// model of endpoint.
func (r *Registry) Lookup(name, endpoint string) (Model, error) {
	if name == "" {
		name = r.defaults[endpoint]
	}
	m, ok := r.models[name]
	if !ok {
		return Model{}, fmt.Errorf("unknown model %q", name)
	}
	return m, nil
}
