// Package authz implements the dual authorization check described in
// spec.md §4.7: both the requester's permission to ask for an action and,
// if delegated, the agent's capability to perform it must pass before any
// execution side effect happens.
package authz

import (
	"fmt"

	"github.com/codeready-toolchain/operant/pkg/action"
)

// AuthorizationError reports which half of the dual check failed.
type AuthorizationError struct {
	RequesterID string
	AgentID     *string
	ActionName  string
	Reason      string
}

func (e *AuthorizationError) Error() string {
	return e.Reason
}

// PermissionChecker verifies a requester may ask for a named action.
type PermissionChecker interface {
	HasPermission(requesterID, actionName string) bool
}

// CapabilityChecker verifies a delegated agent may perform a named action.
type CapabilityChecker interface {
	HasCapability(agentID, actionName string) bool
}

// AllowAllPermissionChecker is the permissive default — replace with a real
// policy engine in production, as the original explicitly documents.
type AllowAllPermissionChecker struct{}

func (AllowAllPermissionChecker) HasPermission(requesterID, actionName string) bool { return true }

// AllowAllCapabilityChecker is the permissive default for agent capability.
type AllowAllCapabilityChecker struct{}

func (AllowAllCapabilityChecker) HasCapability(agentID, actionName string) bool { return true }

// Checker performs the dual authorization check the dispatcher runs
// immediately before execution.
type Checker struct {
	permission PermissionChecker
	capability CapabilityChecker
}

// NewChecker builds a dual-authorization Checker. Passing nil for either
// argument falls back to the permissive default, matching the original's
// "use default checkers if not provided" behavior.
func NewChecker(permission PermissionChecker, capability CapabilityChecker) *Checker {
	if permission == nil {
		permission = AllowAllPermissionChecker{}
	}
	if capability == nil {
		capability = AllowAllCapabilityChecker{}
	}
	return &Checker{permission: permission, capability: capability}
}

// CheckDualAuthorization verifies both halves for p, returning an
// *AuthorizationError if either fails.
func (c *Checker) CheckDualAuthorization(p *action.Proposal) error {
	if !c.permission.HasPermission(p.RequesterID, p.ActionName) {
		return &AuthorizationError{
			RequesterID: p.RequesterID,
			AgentID:     p.AgentID,
			ActionName:  p.ActionName,
			Reason: fmt.Sprintf("requester %q lacks permission for action %q",
				p.RequesterID, p.ActionName),
		}
	}

	if p.AgentID != nil {
		if !c.capability.HasCapability(*p.AgentID, p.ActionName) {
			return &AuthorizationError{
				RequesterID: p.RequesterID,
				AgentID:     p.AgentID,
				ActionName:  p.ActionName,
				Reason: fmt.Sprintf("agent %q lacks capability for action %q",
					*p.AgentID, p.ActionName),
			}
		}
	}

	return nil
}
