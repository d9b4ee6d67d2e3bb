// Package action holds the allowlist of executable remediation actions and
// the preview generator that renders a concrete, parameterized command set
// for human approval.
//
// The allowlist is the sole gate preventing arbitrary command execution: an
// action id outside the registry is always a caller error, never defaulted.
package action

import (
	"errors"
	"fmt"
)

// Platform is the closed set of operating systems an action targets.
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
)

// validPlatform reports whether p is a member of the closed platform set.
func validPlatform(p Platform) bool {
	switch p {
	case PlatformMacOS, PlatformWindows, PlatformLinux:
		return true
	}
	return false
}

var (
	// ErrActionNotFound indicates an id outside the allowlist.
	ErrActionNotFound = errors.New("action: not allowlisted")
	// ErrMissingParameter indicates a template placeholder with no supplied value.
	ErrMissingParameter = errors.New("action: missing parameter")
	// ErrInvalidParameter indicates a supplied value failing its slot's allow-pattern.
	ErrInvalidParameter = errors.New("action: invalid parameter")
)

// ParamSpec declares a named template slot and the allow-pattern its values
// must match. An empty Pattern falls back to the default single-argument
// pattern (no shell metacharacters).
type ParamSpec struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// Implementation describes how an allowlisted action executes on the target
// machine. CommandTemplate lines may contain {name} placeholder slots bound
// by Params.
type Implementation struct {
	Description     string      `yaml:"description" json:"description"`
	CommandTemplate []string    `yaml:"command_template" json:"command_template"`
	Params          []ParamSpec `yaml:"params,omitempty" json:"params,omitempty"`
	Reversible      bool        `yaml:"reversible" json:"reversible"`
	RollbackMethod  string      `yaml:"rollback_method,omitempty" json:"rollback_method,omitempty"`
	EstimatedTime   string      `yaml:"estimated_time" json:"estimated_time"`
	Requirements    []string    `yaml:"requirements,omitempty" json:"requirements,omitempty"`
	Risks           []string    `yaml:"risks,omitempty" json:"risks,omitempty"`
}

// AllowlistedAction is one entry in the static action allowlist. Immutable
// after registry construction.
type AllowlistedAction struct {
	ID             string         `yaml:"id" json:"id"`
	Title          string         `yaml:"title" json:"title"`
	OS             Platform       `yaml:"os" json:"os"`
	Category       string         `yaml:"category" json:"category"`
	Implementation Implementation `yaml:"implementation" json:"implementation"`
}

// Validate checks the structural invariants of a single action.
func (a *AllowlistedAction) Validate() error {
	if a.ID == "" {
		return errors.New("action: empty id")
	}
	if !validPlatform(a.OS) {
		return fmt.Errorf("action %q: unknown platform %q", a.ID, a.OS)
	}
	if len(a.Implementation.CommandTemplate) == 0 {
		return fmt.Errorf("action %q: empty command template", a.ID)
	}
	if a.Implementation.Reversible && a.Implementation.RollbackMethod == "" {
		return fmt.Errorf("action %q: reversible without a rollback method", a.ID)
	}
	return nil
}

// ActionPreview is the rendered, parameter-substituted view of one action
// instance. Derived, never persisted.
type ActionPreview struct {
	ActionID      string   `json:"actionId"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Commands      []string `json:"commands"`
	Risks         []string `json:"risks"`
	Reversible    bool     `json:"reversible"`
	EstimatedTime string   `json:"estimatedTime"`
}
