// Package pathutil resolves user-supplied file system paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves environment tokens ($HOME, ${XDG_CONFIG_HOME}) and a
// leading "~/" in p. Relative paths stay relative.
func Expand(p string) (string, error) {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "" || p[0] != '~' {
		return p, nil
	}
	if len(p) > 1 && p[1] != '/' && p[1] != '\\' {
		// ~user is not supported.
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

// Dir returns the directory named by the envVar override, made absolute, or
// $HOME/name when the variable is unset.
func Dir(envVar, name string) (string, error) {
	if override := strings.TrimSpace(os.Getenv(envVar)); override != "" {
		expanded, err := Expand(override)
		if err != nil {
			return "", err
		}
		return filepath.Abs(expanded)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, name), nil
}
