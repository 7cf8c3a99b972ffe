package config

import (
	"sort"
	"strings"
)

// ModelSpec is the result of resolving a client-facing model name: the
// backend model plus the modes encoded in the name's suffixes.
type ModelSpec struct {
	// Requested is the name the client sent, echoed back on responses.
	Requested string
	// Backend is the model name sent upstream, suffixes stripped.
	Backend string
	// Thinking is "", "low", or "high".
	Thinking string
	// Resolution is "", "1k", "2k", or "4k" (image models only).
	Resolution string
}

// ResolveModel maps a client model name through the alias table and parses
// the -low/-high thinking and -1k/-2k/-4k resolution suffixes. An empty name
// resolves to the configured default.
func (m *ModelsConfig) ResolveModel(name string) ModelSpec {
	requested := name
	if name == "" {
		name = m.Default
		requested = m.Default
	}
	if target, ok := m.Aliases[name]; ok {
		name = target
	}

	spec := ModelSpec{Requested: requested}

	switch {
	case strings.HasSuffix(name, "-low"):
		name = strings.TrimSuffix(name, "-low")
		spec.Thinking = "low"
	case strings.HasSuffix(name, "-high"):
		name = strings.TrimSuffix(name, "-high")
		spec.Thinking = "high"
	}

	for _, res := range []string{"1k", "2k", "4k"} {
		if strings.HasSuffix(name, "-"+res) {
			name = strings.TrimSuffix(name, "-"+res)
			spec.Resolution = res
			break
		}
	}

	spec.Backend = name
	return spec
}

// IsImageModel reports whether the backend model generates images.
func (s ModelSpec) IsImageModel() bool {
	return strings.Contains(s.Backend, "image")
}

// AdvertisedModels returns the model names to expose on GET /v1/models.
func (m *ModelsConfig) AdvertisedModels() []string {
	if len(m.Advertised) > 0 {
		return m.Advertised
	}
	seen := map[string]bool{}
	var names []string
	if m.Default != "" {
		names = append(names, m.Default)
		seen[m.Default] = true
	}
	aliases := make([]string, 0, len(m.Aliases))
	for alias := range m.Aliases {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		if !seen[alias] {
			names = append(names, alias)
			seen[alias] = true
		}
	}
	return names
}
