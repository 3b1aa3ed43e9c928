package config

import "fmt"

// ConfigurationError reports a setting the run cannot start without. It is
// the only error class that terminates a run.
type ConfigurationError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("config: %s %s", e.Key, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
