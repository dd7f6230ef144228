package toolexecutor

import (
	"fmt"
	"strings"
)

// ToolPolicy defines which tools a run can use
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"` // Allowed tools (* for all). Empty allows every tool.
	Deny  []string `json:"deny" mapstructure:"deny"`   // Denied tools (overrides allow)
	// RequireApproval lists tools (* for all) that only run once an
	// ApprovalHandler approves the call.
	RequireApproval []string `json:"require_approval" mapstructure:"require_approval"`
}

// NeedsApproval reports whether calls to toolName must be approved first.
func (tp *ToolPolicy) NeedsApproval(toolName string) bool {
	if tp == nil {
		return false
	}
	for _, name := range tp.RequireApproval {
		if name == toolName || name == "*" {
			return true
		}
	}
	return false
}

// IsToolAllowed checks if a tool is allowed by the policy. A nil policy allows
// everything.
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}

	// Deny list overrides allow list
	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	if len(tp.Allow) == 0 {
		return true
	}
	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}

// Validate rejects blank entries in the policy.
func (tp *ToolPolicy) Validate() error {
	if tp == nil {
		return nil
	}
	for _, name := range tp.Allow {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("allow list contains an empty tool name")
		}
	}
	for _, name := range tp.Deny {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("deny list contains an empty tool name")
		}
	}
	for _, name := range tp.RequireApproval {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("approval list contains an empty tool name")
		}
	}
	return nil
}
