// Package requirements manages the on-disk requirement artifacts that feed
// the runner. Each artifact is a markdown file with optional YAML
// frontmatter, laid out as <dir>/<projectID>/<requirement>.md, so a file
// path maps one-to-one onto a task key.
package requirements

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
)

// Requirement is one parsed artifact
type Requirement struct {
	Key      domain.TaskKey
	Title    string
	Priority string
	Labels   []string
	Body     string
	FilePath string
}

// Source reads requirement artifacts from a directory tree
type Source struct {
	dir string
}

// NewSource creates a Source rooted at dir
func NewSource(dir string) *Source {
	return &Source{dir: dir}
}

// Dir returns the source's root directory
func (s *Source) Dir() string {
	return s.dir
}

func (s *Source) path(key domain.TaskKey) string {
	return filepath.Join(s.dir, key.ProjectID, key.Requirement+".md")
}

// Exists reports whether the artifact for a task key is on disk
func (s *Source) Exists(key domain.TaskKey) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}

// Delete removes the artifact for a task key. Deleting an absent artifact
// is not an error.
func (s *Source) Delete(key domain.TaskKey) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing requirement %s: %w", key, err)
	}
	return nil
}

// Get reads and parses one artifact
func (s *Source) Get(key domain.TaskKey) (*Requirement, error) {
	return s.read(key, s.path(key))
}

// List returns all artifacts under the root, sorted by key
func (s *Source) List() ([]*Requirement, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Requirement
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		project := entry.Name()
		files, err := os.ReadDir(filepath.Join(s.dir, project))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
				continue
			}
			key := domain.TaskKey{
				ProjectID:   project,
				Requirement: strings.TrimSuffix(f.Name(), ".md"),
			}
			req, err := s.read(key, s.path(key))
			if err != nil {
				return nil, err
			}
			out = append(out, req)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out, nil
}

func (s *Source) read(key domain.TaskKey, path string) (*Requirement, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading requirement %s: %w", key, err)
	}

	fm, body, err := ParseFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("parsing requirement %s: %w", key, err)
	}

	title := fm.Title
	if title == "" {
		title = key.Requirement
	}
	return &Requirement{
		Key:      key,
		Title:    title,
		Priority: fm.Priority,
		Labels:   fm.Labels,
		Body:     string(body),
		FilePath: path,
	}, nil
}

// KeyForPath maps an artifact file path back to its task key. It returns
// false for paths outside the root or not shaped like an artifact.
func (s *Source) KeyForPath(path string) (domain.TaskKey, bool) {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return domain.TaskKey{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || !strings.HasSuffix(parts[1], ".md") {
		return domain.TaskKey{}, false
	}
	key := domain.TaskKey{
		ProjectID:   parts[0],
		Requirement: strings.TrimSuffix(parts[1], ".md"),
	}
	if key.ProjectID == "" || key.Requirement == "" {
		return domain.TaskKey{}, false
	}
	return key, true
}
