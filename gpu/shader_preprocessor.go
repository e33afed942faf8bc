package gpu

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// includeRegex matches an #include "path" directive on its own line.
var includeRegex = regexp.MustCompile(`^\s*#include\s+"([^"]+)"\s*$`)

// shaderPreProcessor expands #include directives and substitutes preprocessor
// defines in WGSL source before it reaches the shader compiler. Includes are
// resolved against the virtual-file registry first, then the search paths, so
// callers can inject synthetic translation units without touching disk.
type shaderPreProcessor struct {
	defines      map[string]string
	virtualFiles map[string]string
	searchPaths  []string
}

func newShaderPreProcessor() *shaderPreProcessor {
	return &shaderPreProcessor{
		defines:      make(map[string]string),
		virtualFiles: make(map[string]string),
	}
}

// resolve returns the contents of path, consulting the virtual-file registry
// before the filesystem search paths.
func (p *shaderPreProcessor) resolve(path string) (string, error) {
	if src, ok := p.virtualFiles[path]; ok {
		return src, nil
	}
	if data, err := os.ReadFile(path); err == nil {
		return string(data), nil
	}
	for _, dir := range p.searchPaths {
		if data, err := os.ReadFile(filepath.Join(dir, path)); err == nil {
			return string(data), nil
		}
	}
	return "", fmt.Errorf("cannot resolve shader source %q", path)
}

// process expands includes and applies define substitution to source. Include
// cycles are reported as errors with the offending line number.
func (p *shaderPreProcessor) process(source string) (string, error) {
	expanded, err := p.expandIncludes(source, make(map[string]bool))
	if err != nil {
		return "", err
	}
	return p.substituteDefines(expanded), nil
}

func (p *shaderPreProcessor) expandIncludes(source string, visiting map[string]bool) (string, error) {
	lines := strings.Split(source, "\n")
	out := make([]string, 0, len(lines))

	for i, line := range lines {
		match := includeRegex.FindStringSubmatch(line)
		if match == nil {
			out = append(out, line)
			continue
		}

		path := match[1]
		if visiting[path] {
			return "", fmt.Errorf("line %d: include cycle through %q", i+1, path)
		}

		included, err := p.resolve(path)
		if err != nil {
			return "", fmt.Errorf("line %d: %w", i+1, err)
		}

		visiting[path] = true
		expanded, err := p.expandIncludes(included, visiting)
		delete(visiting, path)
		if err != nil {
			return "", err
		}
		out = append(out, expanded)
	}

	return strings.Join(out, "\n"), nil
}

// substituteDefines replaces each registered define name, matched at word
// boundaries, with its value throughout the source.
func (p *shaderPreProcessor) substituteDefines(source string) string {
	for name, value := range p.defines {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
		source = re.ReplaceAllString(source, value)
	}
	return source
}
