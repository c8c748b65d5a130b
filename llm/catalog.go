package llm

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// ChatModelOption describes one selectable chat model.
type ChatModelOption struct {
	Provider      string   `json:"provider"`
	Name          string   `json:"name"`
	DisplayName   string   `json:"display_name"`
	Description   string   `json:"description,omitempty"`
	ContextWindow int      `json:"context_window,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Recommended   bool     `json:"recommended,omitempty"`
}

var defaultChatModelCatalog = []ChatModelOption{
	{
		Provider:      "groq",
		Name:          "mixtral-8x7b-32768",
		DisplayName:   "Mixtral 8x7B",
		Description:   "Default model with a long context window for grounded answers.",
		ContextWindow: 32768,
		Capabilities:  []string{"chat"},
		Recommended:   true,
	},
	{
		Provider:      "groq",
		Name:          "llama-3.3-70b-versatile",
		DisplayName:   "Llama 3.3 70B",
		ContextWindow: 131072,
		Capabilities:  []string{"chat", "reasoning"},
	},
	{
		Provider:      "groq",
		Name:          "llama-3.1-8b-instant",
		DisplayName:   "Llama 3.1 8B Instant",
		Description:   "Small and fast.",
		ContextWindow: 131072,
		Capabilities:  []string{"chat"},
	},
	{
		Provider:      "groq",
		Name:          "gemma2-9b-it",
		DisplayName:   "Gemma 2 9B",
		ContextWindow: 8192,
		Capabilities:  []string{"chat"},
	},
}

// Catalog is the set of models a caller may request by name.
type Catalog struct {
	models []ChatModelOption
	byName map[string]string
}

// LoadCatalog reads a JSON catalog from path, either a bare list or
// {"models": [...]}. An empty path or an unreadable file yields the built-in
// catalog.
func LoadCatalog(path string) *Catalog {
	rawPath := strings.TrimSpace(path)
	if rawPath != "" {
		data, err := os.ReadFile(filepath.Clean(rawPath))
		if err != nil {
			log.Printf("llm: read model catalog %s failed: %v", rawPath, err)
		} else if models := parseModelCatalogJSON(string(data)); len(models) > 0 {
			return NewCatalog(models)
		} else {
			log.Printf("llm: failed to parse model catalog %s", rawPath)
		}
	}
	return NewCatalog(defaultChatModelCatalog)
}

// NewCatalog builds a catalog from an explicit model list.
func NewCatalog(models []ChatModelOption) *Catalog {
	normalized := normalizeModelCatalog(models)
	c := &Catalog{
		models: normalized,
		byName: make(map[string]string, len(normalized)),
	}
	for _, m := range normalized {
		c.byName[strings.ToLower(m.Name)] = m.Name
	}
	return c
}

// Models returns a copy of the catalog entries.
func (c *Catalog) Models() []ChatModelOption {
	if c == nil {
		return nil
	}
	return append([]ChatModelOption(nil), c.models...)
}

// Resolve maps a requested model name to its catalog spelling. Unknown names
// resolve to fallback.
func (c *Catalog) Resolve(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fallback
	}
	if c == nil || len(c.byName) == 0 {
		return trimmed
	}
	if canonical, ok := c.byName[strings.ToLower(trimmed)]; ok {
		return canonical
	}
	log.Printf("llm: model %q is not in the catalog, using %q", trimmed, fallback)
	return fallback
}

func parseModelCatalogJSON(raw string) []ChatModelOption {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var wrapped struct {
		Models []ChatModelOption `json:"models"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapped); err == nil && len(wrapped.Models) > 0 {
		return normalizeModelCatalog(wrapped.Models)
	}

	var list []ChatModelOption
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil && len(list) > 0 {
		return normalizeModelCatalog(list)
	}
	return nil
}

func normalizeModelCatalog(list []ChatModelOption) []ChatModelOption {
	result := make([]ChatModelOption, 0, len(list))
	seen := make(map[string]struct{}, len(list))

	for _, item := range list {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}

		option := ChatModelOption{
			Provider:      strings.TrimSpace(item.Provider),
			Name:          name,
			DisplayName:   strings.TrimSpace(item.DisplayName),
			Description:   strings.TrimSpace(item.Description),
			ContextWindow: item.ContextWindow,
			Capabilities:  normalizeStringSlice(item.Capabilities),
			Recommended:   item.Recommended,
		}
		if option.DisplayName == "" {
			option.DisplayName = name
		}
		result = append(result, option)
	}
	return result
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		lowered := strings.ToLower(trimmed)
		if _, exists := seen[lowered]; exists {
			continue
		}
		seen[lowered] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
