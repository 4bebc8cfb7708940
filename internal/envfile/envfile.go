// Package envfile loads a step's envFile: a relative path resolved
// against the pipeline root containing KEY=VALUE lines. The format is a
// strict subset: no interpolation, no export keyword, no multi-line
// values.
package envfile

import (
	"bufio"
	"os"
	"strings"

	"github.com/kilnrun/kiln/internal/errs"
)

// Load reads path and returns its KEY=VALUE entries. Blank lines and lines
// starting with # (after leading whitespace) are skipped.
func Load(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.ValidationError, err, "opening env file %s", path)
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errs.New(errs.ValidationError, "env file %s:%d: missing '=' in %q", path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errs.New(errs.ValidationError, "env file %s:%d: empty key", path, lineNo)
		}
		out[key] = unquote(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.ValidationError, err, "reading env file %s", path)
	}
	return out, nil
}

// unquote strips a single layer of matching double or single quotes.
func unquote(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// Merge layers fileEnv under stepEnv: step-level entries take precedence.
// Neither input map is mutated.
func Merge(fileEnv, stepEnv map[string]string) map[string]string {
	merged := make(map[string]string, len(fileEnv)+len(stepEnv))
	for k, v := range fileEnv {
		merged[k] = v
	}
	for k, v := range stepEnv {
		merged[k] = v
	}
	return merged
}
