//go:build !linux

package sandbox

import "fmt"

// newPlatform has no namespace-isolation backend outside Linux; New()
// falls back to newFallback.
func newPlatform(cfg Config) (Sandbox, error) {
	return nil, fmt.Errorf("namespace sandbox: unsupported on this platform")
}

// ApplySeccomp has no equivalent outside Linux; the worker re-exec path
// skips it on other platforms rather than failing the boot.
func ApplySeccomp() error {
	return nil
}
