package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Errors surfaced while loading or resolving workflow definitions.
var (
	ErrNoRoute          = errors.New("no telephony route for number")
	ErrNoStartNode      = errors.New("workflow graph has no start node")
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// Node is a single node of the workflow graph JSON.
type Node struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Data NodeData `json:"data"`
}

// NodeData carries a node's configuration payload.
type NodeData struct {
	Label  string          `json:"label"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge connects two nodes of the workflow graph.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is the stored workflow graph. Only the start node's configuration
// matters to call admission; the rest of the graph drives the chat UI.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Tool is a function tool definition forwarded to the realtime model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// RouteOverrides are per-route replacements for the workflow's global
// voice settings.
type RouteOverrides struct {
	Model           string            `json:"model,omitempty"`
	Voice           string            `json:"voice,omitempty"`
	Instructions    string            `json:"instructions,omitempty"`
	WorkflowSlug    string            `json:"workflow_slug,omitempty"`
	PromptVariables map[string]string `json:"prompt_variables,omitempty"`
}

// Route maps called-number patterns to a workflow plus overrides.
type Route struct {
	Label        string         `json:"label,omitempty"`
	PhoneNumbers []string       `json:"phone_numbers,omitempty"`
	Prefixes     []string       `json:"prefixes,omitempty"`
	Priority     int            `json:"priority"`
	Overrides    RouteOverrides `json:"overrides"`
	IsDefault    bool           `json:"is_default,omitempty"`
}

// startConfig is the start node's config payload: the global voice settings
// and the telephony route table.
type startConfig struct {
	Model       string  `json:"model,omitempty"`
	Voice       string  `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Tools       []Tool  `json:"tools,omitempty"`
	SpeakFirst  bool    `json:"speak_first,omitempty"`
	RingTimeout int     `json:"ring_timeout_seconds,omitempty"`
	Routes      []Route `json:"telephony_routes,omitempty"`
}

// Definition is one workflow version as stored.
type Definition struct {
	ID      int64
	Slug    string
	Version int
	Graph   Graph

	start startConfig
}

// ParseDefinition decodes a stored workflow graph and extracts the start
// node configuration.
func ParseDefinition(id int64, slug string, version int, graphJSON []byte) (*Definition, error) {
	var g Graph
	if err := json.Unmarshal(graphJSON, &g); err != nil {
		return nil, fmt.Errorf("parsing workflow graph: %w", err)
	}

	def := &Definition{ID: id, Slug: slug, Version: version, Graph: g}
	for _, n := range g.Nodes {
		if n.Type != "start" {
			continue
		}
		if len(n.Data.Config) > 0 {
			if err := json.Unmarshal(n.Data.Config, &def.start); err != nil {
				return nil, fmt.Errorf("parsing start node config: %w", err)
			}
		}
		return def, nil
	}
	return nil, ErrNoStartNode
}

// Model returns the workflow's global voice model, possibly empty.
func (d *Definition) Model() string { return d.start.Model }

// Voice returns the workflow's global voice name, possibly empty.
func (d *Definition) Voice() string { return d.start.Voice }

// Instructions returns the workflow's global system instructions.
func (d *Definition) Instructions() string { return d.start.Instructions }

// Tools returns the workflow's function tools.
func (d *Definition) Tools() []Tool { return d.start.Tools }

// SpeakFirst reports whether the assistant opens the conversation.
func (d *Definition) SpeakFirst() bool { return d.start.SpeakFirst }

// RingTimeout returns the configured ring duration in seconds.
func (d *Definition) RingTimeout() int { return d.start.RingTimeout }

// Routes returns the telephony route table from the start node.
func (d *Definition) Routes() []Route { return d.start.Routes }

// AddRoutes appends routes loaded from outside the graph, such as the
// telephony_routes table. Matching still honors priority across both.
func (d *Definition) AddRoutes(routes ...Route) {
	d.start.Routes = append(d.start.Routes, routes...)
}
