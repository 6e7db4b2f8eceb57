package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// envVarPatterns mirrors the teacher's config/env.go: `${VAR:-default}`
// must be tried before the bare `${VAR}` form to avoid the default
// clause leaking through as a literal.
var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
}

// LoadDotEnv loads a .env file into the process environment so Load's
// variable expansion can see it; a missing file is not an error, the
// same tolerant behavior the teacher relies on for local dev.
func LoadDotEnv(path string) {
	if path != "" {
		_ = godotenv.Load(path)
		return
	}
	_ = godotenv.Load()
}

// expandDocument substitutes `${VAR}` / `${VAR:-default}` references
// in a raw YAML document before it's unmarshalled, so operators can
// write e.g. `monitorSamplePeriodMs: ${ORCHESTRA_SAMPLE_MS:-30000}`.
func expandDocument(data []byte) ([]byte, error) {
	s := string(data)
	if !strings.Contains(s, "$") {
		return data, nil
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		if val, ok := os.LookupEnv(parts[1]); ok && val != "" {
			return val
		}
		return parts[2]
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) != 2 {
			return match
		}
		return os.Getenv(parts[1])
	})

	return []byte(s), nil
}
