package attention

import "fmt"

// ConfigError reports an invalid construction parameter. It is returned
// eagerly at construction time; a misconfigured engine is never built.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "attention: invalid configuration: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}
