package policy

import "path/filepath"

// Evaluate checks an action by a subject against the bundle. It is a pure
// function: same inputs, same result. Deny reasons accumulate so callers
// can distinguish approval gating from hard denial.
func (b *Bundle) Evaluate(subject Subject, action Action) Result {
	var denies []Deny

	if len(b.RunModes) > 0 && !containsPattern(b.RunModes, action.RunMode) {
		denies = append(denies, Deny{Reason: ReasonRunModeForbidden})
	}

	rule, ok := b.ruleFor(subject.Tool)
	if !ok {
		denies = append(denies, Deny{Reason: ReasonToolForbidden})
	}

	for _, capability := range action.Capabilities {
		if containsPattern(b.Forbidden, capability) {
			denies = append(denies, Deny{Reason: ReasonCapabilityForbidden, Capability: capability})
			continue
		}
		if ok {
			if containsPattern(rule.Deny, capability) || !containsPattern(rule.Allow, capability) {
				denies = append(denies, Deny{Reason: ReasonCapabilityNotGranted, Capability: capability})
				continue
			}
		}
		if containsPattern(b.ApprovalGated, capability) && !subject.Approvals[capability] {
			denies = append(denies, Deny{Reason: ReasonApprovalRequired, Capability: capability})
		}
	}

	return Result{Allow: len(denies) == 0, Deny: denies}
}

// ruleFor returns the first tool rule matching the tool name.
func (b *Bundle) ruleFor(tool string) (ToolRule, bool) {
	for _, r := range b.Tools {
		if matchPattern(r.Tool, tool) {
			return r, true
		}
	}
	return ToolRule{}, false
}

// containsPattern reports whether any glob pattern in the list matches name.
func containsPattern(patterns []string, name string) bool {
	for _, p := range patterns {
		if matchPattern(p, name) {
			return true
		}
	}
	return false
}

// matchPattern checks a glob-style pattern against a name.
// Supports wildcards via filepath.Match:
//   - "*" matches everything
//   - "repo.*" matches "repo.read" and "repo.write"
//   - "repo.write" matches exactly
func matchPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	matched, err := filepath.Match(pattern, name)
	return err == nil && matched
}
