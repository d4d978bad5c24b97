package requirements

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// Frontmatter represents the YAML frontmatter in requirement files
type Frontmatter struct {
	Title    string   `yaml:"title"`
	Priority string   `yaml:"priority"`
	Labels   []string `yaml:"labels"`
}

// ParseFrontmatter extracts YAML frontmatter from markdown content
// Returns the frontmatter, remaining content, and any error
func ParseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return &Frontmatter{}, content, nil
	}

	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return &Frontmatter{}, content, nil
	}

	fmData := rest[:endIdx]
	remaining := rest[endIdx+4:] // skip \n---

	var fm Frontmatter
	if err := yaml.Unmarshal(fmData, &fm); err != nil {
		return nil, nil, err
	}

	return &fm, bytes.TrimLeft(remaining, "\n"), nil
}
