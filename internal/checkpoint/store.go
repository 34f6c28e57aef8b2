// Package checkpoint snapshots project files into .checkpoints/ so a build
// turn can be rolled back without git.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"milo/internal/logging"
)

const (
	// DirName is the snapshot root inside a project directory.
	DirName = ".checkpoints"
	// ManifestName describes a snapshot's contents.
	ManifestName = ".manifest.json"

	// maxFileSize skips build artifacts and media; source files stay small.
	maxFileSize = 1 << 20
	// maxFiles caps a snapshot.
	maxFiles = 500
)

// FileEntry records one snapshotted file.
type FileEntry struct {
	RelativePath string `json:"relativePath"`
	Size         int64  `json:"size"`
}

// Manifest describes one snapshot directory.
type Manifest struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	CreatedAt time.Time   `json:"createdAt"`
	FileCount int         `json:"fileCount"`
	Files     []FileEntry `json:"files"`
}

// Store creates, lists and restores snapshots for one project.
type Store struct {
	projectDir string
	logger     logging.Logger
}

// NewStore returns a snapshot store rooted at the project directory.
func NewStore(projectDir string, logger logging.Logger) *Store {
	return &Store{projectDir: projectDir, logger: logging.OrNop(logger)}
}

var idSlugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Create snapshots the project's eligible files under
// .checkpoints/cp-[name-]<timestamp>/ and writes the manifest.
func (s *Store) Create(name string) (*Manifest, error) {
	id := snapshotID(name, time.Now())
	snapDir := filepath.Join(s.projectDir, DirName, id)
	if err := os.MkdirAll(snapDir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	manifest := &Manifest{ID: id, Name: name, CreatedAt: time.Now()}
	err := filepath.WalkDir(s.projectDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == s.projectDir {
			return nil
		}
		base := d.Name()
		if d.IsDir() {
			if excludedDir(base) {
				return filepath.SkipDir
			}
			return nil
		}
		if len(manifest.Files) >= maxFiles {
			return filepath.SkipAll
		}
		if strings.HasPrefix(base, ".") || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileSize {
			return nil
		}

		rel, err := filepath.Rel(s.projectDir, path)
		if err != nil {
			return nil
		}
		dst := filepath.Join(snapDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return nil
		}
		if err := copyFile(path, dst, info.Mode().Perm()); err != nil {
			s.logger.Warn("Checkpoint skipped %s: %v", rel, err)
			return nil
		}
		manifest.Files = append(manifest.Files, FileEntry{RelativePath: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk project: %w", err)
	}

	manifest.FileCount = len(manifest.Files)
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(snapDir, ManifestName), data, 0644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	s.logger.Info("Checkpoint %s created with %d files", id, manifest.FileCount)
	return manifest, nil
}

// List returns manifests of all snapshots, newest first.
func (s *Store) List() ([]Manifest, error) {
	root := filepath.Join(s.projectDir, DirName)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var manifests []Manifest
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "cp-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, entry.Name(), ManifestName))
		if err != nil {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Warn("Skipping snapshot %s: bad manifest: %v", entry.Name(), err)
			continue
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})
	return manifests, nil
}

// Get returns one snapshot's manifest by id.
func (s *Store) Get(id string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.projectDir, DirName, id, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s not found", id)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", id, err)
	}
	return &m, nil
}

// Rollback restores every file recorded in the snapshot. Files created after
// the snapshot are left in place.
func (s *Store) Rollback(id string) (*Manifest, error) {
	manifest, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	snapDir := filepath.Join(s.projectDir, DirName, id)

	restored := 0
	for _, entry := range manifest.Files {
		src := filepath.Join(snapDir, entry.RelativePath)
		dst := filepath.Join(s.projectDir, entry.RelativePath)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			s.logger.Warn("Rollback skipped %s: %v", entry.RelativePath, err)
			continue
		}
		if err := copyFile(src, dst, 0644); err != nil {
			s.logger.Warn("Rollback skipped %s: %v", entry.RelativePath, err)
			continue
		}
		restored++
	}

	s.logger.Info("Checkpoint %s rolled back, %d/%d files restored", id, restored, manifest.FileCount)
	return manifest, nil
}

func snapshotID(name string, now time.Time) string {
	slug := idSlugPattern.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return fmt.Sprintf("cp-%d", now.UnixMilli())
	}
	return fmt.Sprintf("cp-%s-%d", slug, now.UnixMilli())
}

func excludedDir(name string) bool {
	return name == "node_modules" || strings.HasPrefix(name, ".")
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
