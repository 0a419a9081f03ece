package policy

import (
	"errors"
	"fmt"
	"path/filepath"
)

var (
	ErrNameRequired = errors.New("name is required")
	ErrNoTools      = errors.New("at least one tool rule is required")
	ErrToolRequired = errors.New("tool pattern is required")
	ErrBadPattern   = errors.New("malformed glob pattern")
)

// Validate checks the bundle for structural correctness.
func (b *Bundle) Validate() error {
	if b.Name == "" {
		return ErrNameRequired
	}
	if len(b.Tools) == 0 {
		return ErrNoTools
	}
	for i, r := range b.Tools {
		if r.Tool == "" {
			return fmt.Errorf("tools[%d]: %w", i, ErrToolRequired)
		}
		if err := checkPatterns(append(r.Allow, r.Deny...)); err != nil {
			return fmt.Errorf("tools[%d]: %w", i, err)
		}
	}
	if err := checkPatterns(b.ApprovalGated); err != nil {
		return fmt.Errorf("approval_gated: %w", err)
	}
	if err := checkPatterns(b.Forbidden); err != nil {
		return fmt.Errorf("forbidden: %w", err)
	}
	return nil
}

func checkPatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := filepath.Match(p, "probe"); err != nil {
			return fmt.Errorf("%q: %w", p, ErrBadPattern)
		}
	}
	return nil
}
