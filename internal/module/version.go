package module

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
)

type fileStamp struct {
	Path    string
	Size    int64
	ModTime int64
}

type versionInput struct {
	Module       *Module
	Files        []fileStamp
	Dependencies map[string]string // Build dependency name -> version
}

// Version returns a content version for the named module. It changes when the
// module config, any source file's size or mtime, or the version of a build
// dependency changes.
func (s *Set) Version(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version(name)
}

func (s *Set) version(name string) (string, error) {
	if v, ok := s.versions[name]; ok {
		return v, nil
	}
	m, err := s.Module(name)
	if err != nil {
		return "", err
	}

	files, err := sourceStamps(m.Path)
	if err != nil {
		return "", fmt.Errorf("scanning sources of %s: %w", name, err)
	}

	deps := make(map[string]string, len(m.BuildDependencies()))
	for _, dep := range m.BuildDependencies() {
		v, err := s.version(dep)
		if err != nil {
			return "", err
		}
		deps[dep] = v
	}

	hash, err := hashstructure.Hash(versionInput{Module: m, Files: files, Dependencies: deps}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing module %s: %w", name, err)
	}

	v := fmt.Sprintf("v-%016x", hash)
	s.versions[name] = v
	return v, nil
}

// sourceStamps lists the files of the module rooted at dir. Hidden entries and
// nested module directories are excluded.
func sourceStamps(dir string) ([]fileStamp, error) {
	if dir == "" {
		return nil, nil
	}

	var stamps []fileStamp
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if _, err := os.Stat(filepath.Join(path, FileName)); err == nil {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		stamps = append(stamps, fileStamp{Path: rel, Size: info.Size(), ModTime: info.ModTime().UnixNano()})
		return nil
	})
	return stamps, err
}
