package comm

import (
	"fmt"
	"os"
)

// SetEnv sets a process environment variable, typically to configure the
// transport before Init. An existing value is kept unless overwrite is true.
func SetEnv(key, value string, overwrite bool) error {
	if key == "" {
		return fmt.Errorf("environment variable name cannot be empty")
	}
	if _, exists := os.LookupEnv(key); exists && !overwrite {
		return nil
	}
	if err := os.Setenv(key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}
