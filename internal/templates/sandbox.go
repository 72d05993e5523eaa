package templates

import (
	"os"
)

// Sandbox enforces the credential template security policy: environment
// lookups resolve only when explicitly allowed, and only for listed
// variables. Catalog files can then reference API keys without ever holding
// their values.
type Sandbox struct {
	allowEnv bool
	allowed  []string
}

// NewSandbox initializes a sandbox with the configured environment policy.
// When allowEnv is false the environment is entirely invisible to templates.
func NewSandbox(allowEnv bool, allowed []string) *Sandbox {
	names := make([]string, 0, len(allowed))
	for _, name := range allowed {
		if name != "" {
			names = append(names, name)
		}
	}
	return &Sandbox{allowEnv: allowEnv, allowed: names}
}

// Environment returns the subset of the process environment visible to
// templates. Variables that are unset in the process are omitted so templates
// can distinguish "not configured" from "configured empty".
func (s *Sandbox) Environment() map[string]string {
	if s == nil || !s.allowEnv {
		return map[string]string{}
	}
	env := make(map[string]string, len(s.allowed))
	for _, name := range s.allowed {
		if value, ok := os.LookupEnv(name); ok {
			env[name] = value
		}
	}
	return env
}

// Allowed exposes the configured allow list, primarily for observability and
// testing.
func (s *Sandbox) Allowed() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.allowed...)
}
