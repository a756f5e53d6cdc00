package pipeline

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a malformed pipeline definition. It is always
// fatal and raised before any command runs.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid configuration (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// NewConfigurationError builds a ConfigurationError with a single formatted problem.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Problems: []string{fmt.Sprintf(format, args...)}}
}
