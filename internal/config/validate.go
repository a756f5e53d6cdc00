package config

import (
	"fmt"
	"sort"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedDependencyTypes = map[string]bool{
	"":          true,
	"file":      true,
	"directory": true,
}

var recognizedOutputSources = map[string]bool{
	"":         true,
	"stdout":   true,
	"stderr":   true,
	"combined": true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.Name == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "is required"})
	}
	if cfg.Global.Timeout < 0 {
		errs = append(errs, ValidationError{Field: "global.timeout", Message: "must not be negative"})
	}
	if len(cfg.Steps) == 0 {
		errs = append(errs, ValidationError{Field: "steps", Message: "at least one step is required"})
	}
	if cfg.FileOperations.KeepBackups < 0 {
		errs = append(errs, ValidationError{Field: "file_operations.keep_backups", Message: "must not be negative"})
	}

	repoNames := make(map[string]bool)
	for i, r := range cfg.Repositories {
		prefix := fmt.Sprintf("repositories[%d]", i)
		if r.Name == "" {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: "is required"})
		} else if repoNames[r.Name] {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: fmt.Sprintf("duplicate repository %q", r.Name)})
		}
		if r.URL == "" {
			errs = append(errs, ValidationError{Field: prefix + ".url", Message: "is required"})
		}
		repoNames[r.Name] = true
	}

	stepNames := make(map[string]bool)
	for i, s := range cfg.Steps {
		if s.Name == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: "is required",
			})
			continue
		}
		if stepNames[s.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: fmt.Sprintf("duplicate step name %q", s.Name),
			})
		}
		stepNames[s.Name] = true
	}

	for i, s := range cfg.Steps {
		prefix := fmt.Sprintf("steps[%d]", i)

		for _, dep := range s.DependsOn {
			if !stepNames[dep] {
				errs = append(errs, ValidationError{
					Field:   prefix + ".depends_on",
					Message: fmt.Sprintf("references undefined step %q", dep),
				})
			}
			if dep == s.Name {
				errs = append(errs, ValidationError{
					Field:   prefix + ".depends_on",
					Message: "step cannot depend on itself",
				})
			}
		}

		for j, d := range s.Dependencies {
			dprefix := fmt.Sprintf("%s.dependencies[%d]", prefix, j)
			if d.Path == "" {
				errs = append(errs, ValidationError{Field: dprefix + ".path", Message: "is required"})
			}
			if !recognizedDependencyTypes[d.Type] {
				errs = append(errs, ValidationError{
					Field:   dprefix + ".type",
					Message: fmt.Sprintf("unknown dependency type %q (must be file or directory)", d.Type),
				})
			}
		}

		if len(s.Commands) == 0 {
			errs = append(errs, ValidationError{Field: prefix + ".commands", Message: "at least one command is required"})
		}
		for j, c := range s.Commands {
			validateCommand(c, fmt.Sprintf("%s.commands[%d]", prefix, j), repoNames, &errs)
		}
	}

	if cycle := findCycle(cfg.Steps); len(cycle) > 0 {
		errs = append(errs, ValidationError{
			Field:   "steps",
			Message: fmt.Sprintf("depends_on cycle: %v", cycle),
		})
	}

	return errs
}

func validateCommand(c Command, prefix string, repoNames map[string]bool, errs *[]ValidationError) {
	switch {
	case c.Modify != nil && c.Command != "":
		*errs = append(*errs, ValidationError{Field: prefix, Message: "command and modify are mutually exclusive"})
	case c.Modify == nil && c.Command == "":
		*errs = append(*errs, ValidationError{Field: prefix + ".command", Message: "is required"})
	}

	if c.Modify != nil {
		if c.Modify.File == "" {
			*errs = append(*errs, ValidationError{Field: prefix + ".modify.file", Message: "is required"})
		}
		if len(c.Modify.Replacements) == 0 {
			*errs = append(*errs, ValidationError{Field: prefix + ".modify.replacements", Message: "at least one replacement is required"})
		}
		for k, r := range c.Modify.Replacements {
			if r.Old == "" {
				*errs = append(*errs, ValidationError{
					Field:   fmt.Sprintf("%s.modify.replacements[%d].old", prefix, k),
					Message: "must not be empty",
				})
			}
		}
	}

	if c.Timeout < 0 {
		*errs = append(*errs, ValidationError{Field: prefix + ".timeout", Message: "must not be negative"})
	}
	if c.Repository != "" && !repoNames[c.Repository] {
		*errs = append(*errs, ValidationError{
			Field:   prefix + ".repository",
			Message: fmt.Sprintf("references undefined repository %q", c.Repository),
		})
	}
	for k, o := range c.Outputs {
		if !recognizedOutputSources[o.Input] {
			*errs = append(*errs, ValidationError{
				Field:   fmt.Sprintf("%s.outputs[%d].input", prefix, k),
				Message: fmt.Sprintf("unknown output source %q (must be stdout, stderr or combined)", o.Input),
			})
		}
		if o.Output == "" {
			*errs = append(*errs, ValidationError{
				Field:   fmt.Sprintf("%s.outputs[%d].output", prefix, k),
				Message: "is required",
			})
		}
	}
}

// findCycle returns the step names forming the first depends_on cycle found,
// or nil. Steps are visited in name order so the result is stable.
func findCycle(steps []Step) []string {
	edges := make(map[string][]string, len(steps))
	for _, s := range steps {
		if s.Name != "" {
			edges[s.Name] = s.DependsOn
		}
	}
	names := make([]string, 0, len(edges))
	for n := range edges {
		names = append(names, n)
	}
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(edges))
	var stack []string

	var visit func(n string) []string
	visit = func(n string) []string {
		state[n] = visiting
		stack = append(stack, n)
		for _, dep := range edges[n] {
			if _, known := edges[dep]; !known || dep == n {
				continue
			}
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}

	for _, n := range names {
		if state[n] == unvisited {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}
