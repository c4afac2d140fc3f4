package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// overridesFile is the on-disk shape of a policy overrides file:
//
//	actions:
//	  send_email:
//	    approval: approve
//	    rate_limit: 5/hour
//	    guard: 'has(params.to) && params.to.endsWith("@example.com")'
type overridesFile struct {
	Actions map[string]overrideEntry `yaml:"actions"`
}

// overrideEntry uses pointers so absent fields keep the default value.
type overrideEntry struct {
	Approval    *ApprovalLevel `yaml:"approval"`
	RateLimit   *string        `yaml:"rate_limit"`
	Description *string        `yaml:"description"`
	Guard       *string        `yaml:"guard"`
}

// LoadActions merges an overrides file over the default action table.
// Overrides may tighten or adjust existing actions but cannot introduce
// new ones; the allowed-action set is fixed at build time.
func LoadActions(path string) (map[string]ActionPolicy, error) {
	actions := DefaultActions()
	if path == "" {
		return actions, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy overrides: %w", err)
	}
	var file overridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy overrides: %w", err)
	}

	for name, entry := range file.Actions {
		pol, ok := actions[name]
		if !ok {
			return nil, fmt.Errorf("policy overrides: unknown action %q", name)
		}
		if entry.Approval != nil {
			switch *entry.Approval {
			case ApprovalNone, ApprovalNotify, ApprovalApprove:
				pol.Approval = *entry.Approval
			default:
				return nil, fmt.Errorf("policy overrides: action %q: invalid approval level %q", name, *entry.Approval)
			}
		}
		if entry.RateLimit != nil {
			if _, err := ParseRate(*entry.RateLimit); err != nil {
				return nil, fmt.Errorf("policy overrides: action %q: %w", name, err)
			}
			pol.RateLimit = *entry.RateLimit
		}
		if entry.Description != nil {
			pol.Description = *entry.Description
		}
		if entry.Guard != nil {
			pol.Guard = *entry.Guard
		}
		actions[name] = pol
	}
	return actions, nil
}
