// Package registry implements runtime action discovery: the agent asks it
// "what can I do?" and gets back the merged catalog of the current
// subject's native actions plus the general tool catalog, with any
// operator-configured risk/approval overrides applied.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/codeready-toolchain/operant/pkg/config"
	"github.com/codeready-toolchain/operant/pkg/subject"
)

// ErrUnknownAction is returned when a caller asks for an action definition
// that neither the subject nor the general tool catalog provides.
var ErrUnknownAction = fmt.Errorf("action not found in registry")

// ActionRegistry discovers actions from one subject plus the general tool
// catalog at runtime. Definitions are cached after first retrieval — call
// ClearCache if the subject's actions may have changed (e.g. after a
// config reload).
type ActionRegistry struct {
	subject      subject.Subject
	generalTools []subject.ActionDefinition
	overrides    *config.ToolOverrideRegistry

	mu    sync.Mutex
	cache map[string]subject.ActionDefinition
}

// NewActionRegistry builds a registry over subj's native actions plus
// generalTools (the static catalog pkg/toolexec exposes). overrides may be
// nil, in which case no risk/approval overrides are applied.
func NewActionRegistry(subj subject.Subject, generalTools []subject.ActionDefinition, overrides *config.ToolOverrideRegistry) *ActionRegistry {
	return &ActionRegistry{subject: subj, generalTools: generalTools, overrides: overrides}
}

func (r *ActionRegistry) ensureCache(ctx context.Context) (map[string]subject.ActionDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache != nil {
		return r.cache, nil
	}

	cache := make(map[string]subject.ActionDefinition)

	subjectDefs, err := r.subject.ActionDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch subject action definitions: %w", err)
	}
	for _, d := range subjectDefs {
		cache[d.Name] = d
	}

	for _, d := range r.generalTools {
		cache[d.Name] = r.applyOverride(d)
	}

	r.cache = cache
	return cache, nil
}

func (r *ActionRegistry) applyOverride(d subject.ActionDefinition) subject.ActionDefinition {
	if r.overrides == nil {
		return d
	}
	override, err := r.overrides.Get(d.Name)
	if err != nil {
		return d
	}
	if override.RiskLevel != "" {
		d.RiskLevel = override.RiskLevel
	}
	if override.RequiresApproval != nil {
		d.RequiresApproval = *override.RequiresApproval
	}
	return d
}

// GetDefinitions returns every known action definition, in no defined
// order.
func (r *ActionRegistry) GetDefinitions(ctx context.Context) ([]subject.ActionDefinition, error) {
	cache, err := r.ensureCache(ctx)
	if err != nil {
		return nil, err
	}
	defs := make([]subject.ActionDefinition, 0, len(cache))
	for _, d := range cache {
		defs = append(defs, d)
	}
	return defs, nil
}

// GetDefinition looks up one action by name.
func (r *ActionRegistry) GetDefinition(ctx context.Context, actionName string) (*subject.ActionDefinition, error) {
	cache, err := r.ensureCache(ctx)
	if err != nil {
		return nil, err
	}
	d, ok := cache[actionName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, actionName)
	}
	return &d, nil
}

// ListActionNames returns just the names, useful for prompt construction.
func (r *ActionRegistry) ListActionNames(ctx context.Context) ([]string, error) {
	cache, err := r.ensureCache(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cache))
	for name := range cache {
		names = append(names, name)
	}
	return names, nil
}

// ClearCache drops the cached catalog, forcing the next call to re-query
// the subject.
func (r *ActionRegistry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = nil
}
