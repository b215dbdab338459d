package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Overlay carries human-facing labels and input defaults keyed by
// component name. Components without an entry display their raw name and
// mark every input required.
type Overlay struct {
	Components map[string]ComponentMeta `yaml:"components"`
}

// ComponentMeta is the overlay entry of one component.
type ComponentMeta struct {
	Description string         `yaml:"description"`
	Defaults    map[string]any `yaml:"defaults"`
}

func (o *Overlay) describe(comp string) string {
	if o != nil {
		if m, ok := o.Components[comp]; ok && m.Description != "" {
			return m.Description
		}
	}
	return comp
}

func (o *Overlay) defaultFor(comp, input string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.Components[comp].Defaults[input]
	return v, ok
}

// DefaultOverlay returns the built-in overlay for the bootstrap podcast
// components.
func DefaultOverlay() *Overlay {
	return &Overlay{Components: map[string]ComponentMeta{
		"comp-downloader": {
			Description: "Download source media",
		},
		"comp-transcriber": {
			Description: "Transcribe audio to text",
			Defaults: map[string]any{
				"language": "en",
				"model":    "base",
			},
		},
		"comp-scriptwriter": {
			Description: "Write the episode script",
			Defaults: map[string]any{
				"tone":      "conversational",
				"max_words": 800,
			},
		},
		"comp-performer": {
			Description: "Perform the script as audio",
			Defaults: map[string]any{
				"audio_format": "WAV",
				"voice":        "alloy",
				"sample_rate":  24000,
			},
		},
	}}
}

// LoadOverlay reads an overlay from a YAML file. An empty path returns the
// built-in overlay.
func LoadOverlay(path string) (*Overlay, error) {
	if path == "" {
		return DefaultOverlay(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overlay: %w", err)
	}
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse overlay %s: %w", path, err)
	}
	if o.Components == nil {
		o.Components = map[string]ComponentMeta{}
	}
	return &o, nil
}
