// Package pipeline turns a compiled pipeline document (KFP v2 IR YAML) into
// the display-oriented DisplaySpec returned to callers. It reads only the
// step, image and parameter metadata needed for display.
package pipeline

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DisplaySpec is the caller-facing summary of a pipeline document.
type DisplaySpec struct {
	Description string `json:"description"`
	Steps       []Step `json:"steps"`
}

// Step is one task of the pipeline's root DAG.
type Step struct {
	Name        string  `json:"name"`
	Component   string  `json:"component"`
	Description string  `json:"description"`
	Image       string  `json:"image,omitempty"`
	Inputs      []Input `json:"inputs"`
}

// Input is a parameter input of a step. Exactly one of Required and
// DefaultValue is set.
type Input struct {
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	Required     bool   `json:"required,omitempty"`
	DefaultValue any    `json:"default_value,omitempty"`
}

// MalformedSpecError reports a document that is not structured data.
type MalformedSpecError struct {
	Reason string
	Err    error
}

func (e *MalformedSpecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed pipeline spec: %s: %v", e.Reason, e.Err)
	}
	return "malformed pipeline spec: " + e.Reason
}

func (e *MalformedSpecError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a MalformedSpecError.
func IsMalformed(err error) bool {
	var m *MalformedSpecError
	return errors.As(err, &m)
}

// Validate checks that doc parses as a pipeline document.
func Validate(doc []byte) error {
	_, err := parseRoot(doc)
	return err
}

// Translate builds the DisplaySpec of doc. Steps follow the order tasks
// appear in the document. Missing sections yield empty values; only an
// unparseable document is an error. overlay may be nil.
func Translate(doc []byte, overlay *Overlay) (*DisplaySpec, error) {
	root, err := parseRoot(doc)
	if err != nil {
		return nil, err
	}

	images := executorImages(root)
	components := lookup(root, "components")

	spec := &DisplaySpec{
		Description: scalar(lookup(root, "pipelineInfo", "description")),
		Steps:       []Step{},
	}

	eachPair(lookup(root, "root", "dag", "tasks"), func(taskName string, task *yaml.Node) {
		comp := scalar(lookup(task, "componentRef", "name"))
		def := lookup(components, comp)

		step := Step{
			Name:        taskName,
			Component:   comp,
			Description: overlay.describe(comp),
			Image:       images[scalar(lookup(def, "executorLabel"))],
			Inputs:      []Input{},
		}

		params := lookup(def, "inputDefinitions", "parameters")
		if len(pairs(params)) == 0 {
			params = lookup(task, "inputs", "parameters")
		}
		eachPair(params, func(name string, p *yaml.Node) {
			in := Input{Name: name, Type: scalar(lookup(p, "parameterType"))}
			if v, ok := overlay.defaultFor(comp, name); ok {
				in.DefaultValue = v
			} else {
				in.Required = true
			}
			step.Inputs = append(step.Inputs, in)
		})

		spec.Steps = append(spec.Steps, step)
	})

	return spec, nil
}

func parseRoot(doc []byte) (*yaml.Node, error) {
	var n yaml.Node
	if err := yaml.Unmarshal(doc, &n); err != nil {
		return nil, &MalformedSpecError{Reason: "not valid YAML", Err: err}
	}
	if n.Kind != yaml.DocumentNode || len(n.Content) == 0 {
		return nil, &MalformedSpecError{Reason: "empty document"}
	}
	root := n.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &MalformedSpecError{Reason: "document root is not a mapping"}
	}
	return root, nil
}

// executorImages maps executor labels to container images.
func executorImages(root *yaml.Node) map[string]string {
	images := map[string]string{}
	eachPair(lookup(root, "deploymentSpec", "executors"), func(label string, exec *yaml.Node) {
		if img := scalar(lookup(exec, "container", "image")); img != "" {
			images[label] = img
		}
	})
	return images
}

// lookup follows mapping keys from n. It returns nil as soon as a key is
// missing or a node on the path is not a mapping.
func lookup(n *yaml.Node, path ...string) *yaml.Node {
	for _, key := range path {
		if n == nil || n.Kind != yaml.MappingNode {
			return nil
		}
		var next *yaml.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == key {
				next = n.Content[i+1]
				break
			}
		}
		n = next
	}
	return n
}

type pair struct {
	key   string
	value *yaml.Node
}

func pairs(n *yaml.Node) []pair {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	out := make([]pair, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		out = append(out, pair{key: n.Content[i].Value, value: n.Content[i+1]})
	}
	return out
}

func eachPair(n *yaml.Node, fn func(key string, value *yaml.Node)) {
	for _, p := range pairs(n) {
		fn(p.key, p.value)
	}
}

func scalar(n *yaml.Node) string {
	if n == nil || n.Kind != yaml.ScalarNode {
		return ""
	}
	return n.Value
}
