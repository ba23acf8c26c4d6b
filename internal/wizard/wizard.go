// Package wizard provides an interactive setup for environment profiles.
package wizard

import (
	"fmt"
	"strings"

	"github.com/unified-agent/gateway/internal/profiles"
	"github.com/unified-agent/gateway/pkg/cli"
)

// Wizard drives interactive creation of a named environment profile.
type Wizard struct {
	p        *cli.Prompter
	profiles *profiles.Manager
}

// New creates a Wizard writing through the given profile manager.
func New(p *cli.Prompter, m *profiles.Manager) *Wizard {
	return &Wizard{p: p, profiles: m}
}

// Run asks for a profile name and a set of environment variables, then
// persists the profile. Existing profiles are only overwritten after an
// explicit confirmation.
func (w *Wizard) Run(name string) error {
	_, _ = fmt.Fprintln(w.p.Out)
	_, _ = fmt.Fprintln(w.p.Out, "  Unified Agent Gateway — Profile Wizard")
	_, _ = fmt.Fprintln(w.p.Out, strings.Repeat("─", 40))
	_, _ = fmt.Fprintln(w.p.Out)

	if name == "" {
		name = w.p.Ask("Profile name", "default")
	}
	if _, exists := w.profiles.Get(name); exists {
		if !w.p.Confirm(fmt.Sprintf("Profile %q exists, overwrite?", name), false) {
			return fmt.Errorf("profile %q already exists", name)
		}
	}

	vars := make(map[string]string)
	_, _ = fmt.Fprintln(w.p.Out, "Environment variables (empty name to finish)")
	for {
		key := w.p.Ask("  Variable name", "")
		if key == "" {
			break
		}
		if strings.ContainsAny(key, "= \t") {
			_, _ = fmt.Fprintln(w.p.Out, "  Variable names cannot contain '=' or whitespace.")
			continue
		}
		var value string
		if isSecretName(key) {
			value = w.p.AskPassword("  Value")
		} else {
			value = w.p.Ask("  Value", "")
		}
		vars[key] = value
	}

	if len(vars) == 0 {
		return fmt.Errorf("profile %q has no variables, nothing to save", name)
	}

	if err := w.profiles.Put(name, vars); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}

	_, _ = fmt.Fprintf(w.p.Out, "\n  Profile %q saved with %d variable(s).\n", name, len(vars))
	_, _ = fmt.Fprintln(w.p.Out, "  Apply it to a live session with:")
	_, _ = fmt.Fprintf(w.p.Out, "    POST /env/session/{sessionId}/profile/%s\n\n", name)
	return nil
}

// isSecretName reports whether a variable name looks like a credential, so
// the wizard reads its value without terminal echo.
func isSecretName(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range []string{"KEY", "TOKEN", "SECRET", "PASSWORD"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
