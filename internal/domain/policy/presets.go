package policy

// PresetStandard returns the "standard" bundle: read and verify
// capabilities are granted outright, mutating capabilities are gated
// behind human approval.
func PresetStandard() Bundle {
	return Bundle{
		Name:        "standard",
		Description: "Reads run unattended; writes and publishes require human approval.",
		Tools: []ToolRule{
			{Tool: "*", Allow: []string{"repo.*", "ci.*", "pr.*"}},
		},
		ApprovalGated: []string{"repo.write", "pr.open"},
	}
}

// PresetReadonly returns the "readonly" bundle: only read-class
// capabilities, everything mutating is forbidden.
func PresetReadonly() Bundle {
	return Bundle{
		Name:        "readonly",
		Description: "Preview mode. No side-effects allowed.",
		Tools: []ToolRule{
			{Tool: "*", Allow: []string{"*.read"}},
		},
		Forbidden: []string{"repo.write", "pr.open", "ci.run"},
	}
}

// PresetAutonomous returns the "autonomous" bundle: every capability the
// plan declares is granted without approval. For trusted pipelines only.
func PresetAutonomous() Bundle {
	return Bundle{
		Name:        "autonomous",
		Description: "Fully autonomous execution. No approval gating.",
		Tools: []ToolRule{
			{Tool: "*", Allow: []string{"*"}},
		},
	}
}

// PresetNames returns the names of all built-in bundles.
func PresetNames() []string {
	return []string{"standard", "readonly", "autonomous"}
}

// PresetByName returns a built-in bundle by name, or false if not found.
func PresetByName(name string) (Bundle, bool) {
	switch name {
	case "standard":
		return PresetStandard(), true
	case "readonly":
		return PresetReadonly(), true
	case "autonomous":
		return PresetAutonomous(), true
	default:
		return Bundle{}, false
	}
}
