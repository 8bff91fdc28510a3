package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Repo describes a configured repository the user can dispatch sessions to.
// Description, keywords and vocabulary feed the repository recommender:
// keywords match user intent, vocabulary helps disambiguate voice-transcribed
// project jargon.
type Repo struct {
	Name        string   `yaml:"name"`
	Path        string   `yaml:"path"`
	Description string   `yaml:"description,omitempty"`
	Keywords    []string `yaml:"keywords,omitempty"`
	Vocabulary  []string `yaml:"vocabulary,omitempty"`
}

// HasMetadata reports whether the repo carries descriptive metadata usable
// by the recommender.
func (r Repo) HasMetadata() bool {
	return r.Description != "" || len(r.Keywords) > 0 || len(r.Vocabulary) > 0
}

// repoFile is the on-disk shape of repos.yaml.
type repoFile struct {
	Repos []Repo `yaml:"repos"`

	// Discover lists glob patterns (doublestar syntax) whose matching
	// directories are added as repos named after their base directory.
	Discover []string `yaml:"discover,omitempty"`
}

// LoadRepos reads the repository registry from repos.yaml in the user config
// directory. Discover patterns are expanded; explicit entries win over
// discovered ones with the same path.
func (l *Loader) LoadRepos() ([]Repo, error) {
	path := filepath.Join(l.userDir, "repos.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read repos file: %w", err)
	}

	var file repoFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse repos file: %w", err)
	}

	repos := make([]Repo, 0, len(file.Repos))
	seen := make(map[string]bool)
	for _, r := range file.Repos {
		if r.Path == "" {
			continue
		}
		r.Path = expandHome(r.Path)
		if r.Name == "" {
			r.Name = filepath.Base(r.Path)
		}
		if !seen[r.Path] {
			seen[r.Path] = true
			repos = append(repos, r)
		}
	}

	discovered, err := discoverRepos(file.Discover)
	if err != nil {
		return nil, err
	}
	for _, r := range discovered {
		if !seen[r.Path] {
			seen[r.Path] = true
			repos = append(repos, r)
		}
	}

	return repos, nil
}

// SaveRepos writes the repository registry back to repos.yaml.
func (l *Loader) SaveRepos(repos []Repo) error {
	if err := l.EnsureUserDir(); err != nil {
		return err
	}

	data, err := yaml.Marshal(repoFile{Repos: repos})
	if err != nil {
		return fmt.Errorf("marshal repos: %w", err)
	}

	path := filepath.Join(l.userDir, "repos.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write repos file: %w", err)
	}
	return nil
}

// discoverRepos expands glob patterns into repo entries, one per matching
// directory, sorted for stable ordering.
func discoverRepos(patterns []string) ([]Repo, error) {
	var repos []Repo
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(expandHome(pattern))
		if err != nil {
			return nil, fmt.Errorf("expand repo pattern %q: %w", pattern, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.IsDir() {
				continue
			}
			repos = append(repos, Repo{
				Name: filepath.Base(m),
				Path: m,
			})
		}
	}
	return repos, nil
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
