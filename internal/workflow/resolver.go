package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Store loads workflow definitions. Implemented by the sqlite store.
type Store interface {
	// WorkflowForAccount returns the workflow bound to a SIP account, or
	// ErrWorkflowNotFound.
	WorkflowForAccount(ctx context.Context, sipAccountID int64) (*Definition, error)

	// WorkflowBySlug returns the current version of the named workflow, or
	// ErrWorkflowNotFound.
	WorkflowBySlug(ctx context.Context, slug string) (*Definition, error)
}

// CallContext is the fully resolved configuration for one admitted call.
type CallContext struct {
	Definition      *Definition
	Model           string
	Voice           string
	Instructions    string
	Tools           []Tool
	PromptVariables map[string]string
	RingTimeout     int // seconds
	SpeakFirst      bool
	Route           *Route // nil when only the bare definition matched
}

// Resolver selects a workflow and voice settings for a called number.
// It is read-only over the store and holds no per-call state.
type Resolver struct {
	store        Store
	defaultModel string
	defaultVoice string
	logger       *slog.Logger
}

// NewResolver creates a resolver. defaultModel and defaultVoice fill in
// when neither the workflow nor the matched route names one.
func NewResolver(store Store, defaultModel, defaultVoice string, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:        store,
		defaultModel: defaultModel,
		defaultVoice: defaultVoice,
		logger:       logger.With("subsystem", "workflow-resolver"),
	}
}

// NormalizeNumber strips a phone number down to digits and the dial
// characters + # *.
func NormalizeNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '+' || r == '#' || r == '*' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Resolve returns the call context for (phoneNumber, sipAccountID).
// Matching order: exact number, longest prefix, explicit default; each
// bucket considered in ascending route priority, stable within a priority.
// Failures collapse to ErrNoRoute, which the SIP layer answers with 404.
func (r *Resolver) Resolve(ctx context.Context, phoneNumber string, sipAccountID int64) (*CallContext, error) {
	number := NormalizeNumber(phoneNumber)

	def, err := r.store.WorkflowForAccount(ctx, sipAccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: account %d: %v", ErrNoRoute, sipAccountID, err)
	}

	route := matchRoute(def.Routes(), number)
	if route == nil && len(def.Routes()) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, number)
	}

	// A route override may redirect to a different workflow entirely.
	if route != nil && route.Overrides.WorkflowSlug != "" && route.Overrides.WorkflowSlug != def.Slug {
		redirected, err := r.store.WorkflowBySlug(ctx, route.Overrides.WorkflowSlug)
		if err != nil {
			return nil, fmt.Errorf("%w: override slug %q: %v", ErrNoRoute, route.Overrides.WorkflowSlug, err)
		}
		def = redirected
	}

	cc := &CallContext{
		Definition:      def,
		Model:           def.Model(),
		Voice:           def.Voice(),
		Instructions:    def.Instructions(),
		Tools:           def.Tools(),
		PromptVariables: map[string]string{},
		RingTimeout:     def.RingTimeout(),
		SpeakFirst:      def.SpeakFirst(),
		Route:           route,
	}

	if route != nil {
		if route.Overrides.Model != "" {
			cc.Model = route.Overrides.Model
		}
		if route.Overrides.Voice != "" {
			cc.Voice = route.Overrides.Voice
		}
		if route.Overrides.Instructions != "" {
			cc.Instructions = route.Overrides.Instructions
		}
		for k, v := range route.Overrides.PromptVariables {
			cc.PromptVariables[k] = v
		}
	}

	if cc.Model == "" {
		cc.Model = r.defaultModel
	}
	if cc.Voice == "" {
		cc.Voice = r.defaultVoice
	}

	r.logger.Debug("workflow resolved",
		"number", number,
		"workflow", def.Slug,
		"model", cc.Model,
		"route", routeLabel(route),
	)
	return cc, nil
}

func routeLabel(route *Route) string {
	if route == nil {
		return ""
	}
	return route.Label
}

// matchRoute implements the exact / longest-prefix / default cascade.
// A nil result with a non-empty table means no route matched; an empty
// table means the bare workflow serves every number.
func matchRoute(routes []Route, number string) *Route {
	if len(routes) == 0 {
		return nil
	}

	// Stable sort by ascending priority keeps configured order within a
	// priority, which decides ties between exact matches.
	sorted := make([]*Route, len(routes))
	for i := range routes {
		sorted[i] = &routes[i]
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	// Exact match.
	for _, rt := range sorted {
		for _, n := range rt.PhoneNumbers {
			if NormalizeNumber(n) == number {
				return rt
			}
		}
	}

	// Longest matching prefix across all routes.
	var best *Route
	bestLen := -1
	for _, rt := range sorted {
		for _, p := range rt.Prefixes {
			prefix := NormalizeNumber(p)
			if prefix == "" || !strings.HasPrefix(number, prefix) {
				continue
			}
			if len(prefix) > bestLen {
				best = rt
				bestLen = len(prefix)
			}
		}
	}
	if best != nil {
		return best
	}

	// Explicit default.
	for _, rt := range sorted {
		if rt.IsDefault {
			return rt
		}
	}
	return nil
}
