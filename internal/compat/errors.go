package compat

import "fmt"

// ConfigError reports an invalid scoring or learning setting. It is fatal at
// startup: nothing should run with an undefined score mapping.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}
