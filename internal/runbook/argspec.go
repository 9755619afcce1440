package runbook

import (
	"fmt"

	ojerrors "github.com/oj-run/oj/pkg/errors"
)

// PositionalArg is one ordered positional slot a command's invocation must
// (or may) supply.
type PositionalArg struct {
	Name     string
	Required bool
	Default  string
	HasDefault bool
}

// VariadicArg is the trailing "consume the rest" slot a command may declare
// at most one of, after all positionals.
type VariadicArg struct {
	Name     string
	Required bool
}

// OptionArg is a named `--flag value` or boolean `--flag` slot.
type OptionArg struct {
	Name     string
	Required bool
	Boolean  bool
	Default  string
	HasDefault bool
}

// ArgSpec splits a command's declared argument shape into ordered
// positional+variadic and flags+options, mirroring spec.md §4.11.
type ArgSpec struct {
	Positional []PositionalArg
	Variadic   *VariadicArg
	Options    []OptionArg
}

// Invocation is a parsed command-line invocation: positional values by
// slot name, trailing variadic values, and flag values by name. The
// runbook loader (out of scope) is responsible for splitting raw argv into
// this shape; ArgSpec.Validate only checks completeness against the spec.
type Invocation struct {
	Positional map[string]string
	Variadic   []string
	Options    map[string]string
}

// MissingArgKind tags which validation error ArgSpec.Validate returns.
type MissingArgKind string

const (
	MissingPositional MissingArgKind = "missing_positional"
	MissingOption     MissingArgKind = "missing_option"
	MissingVariadic   MissingArgKind = "missing_variadic"
)

// MissingArgError reports a required argument spec.md §4.11 requires but
// an Invocation did not supply, and that has no default to fall back on.
type MissingArgError struct {
	Kind MissingArgKind
	Name string
}

// Error implements the error interface.
func (e *MissingArgError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Name)
}

// ValidationError converts a MissingArgError into the ambient pkg/errors
// taxonomy's Validation category (spec.md §7.1) for IPC/CLI surfacing.
func (e *MissingArgError) ValidationError() *ojerrors.ValidationError {
	return &ojerrors.ValidationError{
		Field:   e.Name,
		Message: string(e.Kind),
	}
}

// Validate checks inv against s. A default value satisfies a required
// positional or option (spec.md §4.11); a missing required variadic fails
// even if other positionals are present.
func (s ArgSpec) Validate(inv Invocation) error {
	for _, p := range s.Positional {
		if _, ok := inv.Positional[p.Name]; ok {
			continue
		}
		if p.HasDefault {
			continue
		}
		if p.Required {
			return &MissingArgError{Kind: MissingPositional, Name: p.Name}
		}
	}

	for _, o := range s.Options {
		if _, ok := inv.Options[o.Name]; ok {
			continue
		}
		if o.HasDefault {
			continue
		}
		if o.Required {
			return &MissingArgError{Kind: MissingOption, Name: o.Name}
		}
	}

	if s.Variadic != nil && s.Variadic.Required && len(inv.Variadic) == 0 {
		return &MissingArgError{Kind: MissingVariadic, Name: s.Variadic.Name}
	}

	return nil
}

// ResolveDefaults renders defaults for any field Invocation omitted,
// returning a fully resolved copy. Template expansion ({var} strings)
// itself is the external template engine's job (spec.md §1, §9); this
// method only fills in the already-rendered default strings the runbook
// loader attached to the spec, in declaration order so later defaults may
// have been rendered against earlier ones upstream.
func (s ArgSpec) ResolveDefaults(inv Invocation) Invocation {
	out := Invocation{
		Positional: map[string]string{},
		Variadic:   append([]string(nil), inv.Variadic...),
		Options:    map[string]string{},
	}
	for k, v := range inv.Positional {
		out.Positional[k] = v
	}
	for k, v := range inv.Options {
		out.Options[k] = v
	}

	for _, p := range s.Positional {
		if _, ok := out.Positional[p.Name]; !ok && p.HasDefault {
			out.Positional[p.Name] = p.Default
		}
	}
	for _, o := range s.Options {
		if _, ok := out.Options[o.Name]; !ok && o.HasDefault {
			out.Options[o.Name] = o.Default
		}
	}
	return out
}
