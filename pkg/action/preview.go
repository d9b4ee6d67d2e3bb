package action

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderRe matches {name} slots inside a command template line.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

// defaultSlotRe is the allow-pattern applied to a slot without an explicit
// pattern: a single shell argument with no metacharacters.
var defaultSlotRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Previewer renders human-reviewable previews from the registry. This is the
// last line of defense before approval: substitution must never let a
// parameter escape its single-argument slot or leave a placeholder unfilled.
type Previewer struct {
	registry *Registry
}

// NewPreviewer creates a Previewer over the given registry.
func NewPreviewer(r *Registry) *Previewer {
	return &Previewer{registry: r}
}

// Preview fills the action's command template with params and returns the
// concrete command set plus risk disclosure. Pure; no persistence.
func (p *Previewer) Preview(actionID string, params map[string]string) (*ActionPreview, error) {
	a, err := p.registry.Get(actionID)
	if err != nil {
		return nil, err
	}

	patterns := make(map[string]*regexp.Regexp, len(a.Implementation.Params))
	for _, spec := range a.Implementation.Params {
		re := defaultSlotRe
		if spec.Pattern != "" {
			re, err = regexp.Compile(spec.Pattern)
			if err != nil {
				return nil, fmt.Errorf("action %q: slot %q pattern: %w", a.ID, spec.Name, err)
			}
		}
		patterns[spec.Name] = re
	}

	// Slots that appear in the template without an explicit ParamSpec fall
	// back to the default single-argument pattern.
	slots := make(map[string]bool)
	for _, tmpl := range a.Implementation.CommandTemplate {
		for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
			slots[m[1]] = true
			if _, ok := patterns[m[1]]; !ok {
				patterns[m[1]] = defaultSlotRe
			}
		}
	}

	// Reject values for slots the template does not declare, and validate the
	// rest before any substitution happens.
	for name, value := range params {
		if !slots[name] {
			return nil, fmt.Errorf("%w: %q is not a parameter of %q", ErrInvalidParameter, name, a.ID)
		}
		re := patterns[name]
		if !re.MatchString(value) || !defaultSlotRe.MatchString(value) {
			return nil, fmt.Errorf("%w: value for %q does not match its allow-pattern", ErrInvalidParameter, name)
		}
	}

	commands := make([]string, 0, len(a.Implementation.CommandTemplate))
	for _, tmpl := range a.Implementation.CommandTemplate {
		line := tmpl
		for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
			name := m[1]
			value, ok := params[name]
			if !ok {
				return nil, fmt.Errorf("%w: %q required by %q", ErrMissingParameter, name, a.ID)
			}
			line = strings.ReplaceAll(line, m[0], value)
		}
		if placeholderRe.MatchString(line) {
			return nil, fmt.Errorf("%w: unresolved placeholder in %q", ErrMissingParameter, a.ID)
		}
		commands = append(commands, line)
	}

	risks := a.Implementation.Risks
	if risks == nil {
		risks = []string{}
	}
	return &ActionPreview{
		ActionID:      a.ID,
		Title:         a.Title,
		Description:   a.Implementation.Description,
		Commands:      commands,
		Risks:         risks,
		Reversible:    a.Implementation.Reversible,
		EstimatedTime: a.Implementation.EstimatedTime,
	}, nil
}
