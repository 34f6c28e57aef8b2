package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	digestCacheSize    = 64
	digestMaxBytes     = 4096
	digestMaxEntries   = 30
	digestImportLines  = 40
	digestSkeletonCap  = 40
	digestSkeletonOnly = 2 // directory levels shown under a source dir
)

// digestCache memoizes rendered project digests. The key folds in the
// project directory's mtime so edits from an earlier turn invalidate the
// entry without a manual bust.
type digestCache struct {
	cache *lru.Cache[string, string]
}

func newDigestCache() *digestCache {
	cache, _ := lru.New[string, string](digestCacheSize)
	return &digestCache{cache: cache}
}

// ProjectDigest renders a compact textual overview of the project for the
// system prompt: manifest summary, top-level layout, config inventory,
// source skeleton and entry-file imports, all size-capped.
func (d *digestCache) ProjectDigest(projectPath string) string {
	if projectPath == "" {
		return ""
	}
	key := projectPath
	if info, err := os.Stat(projectPath); err == nil {
		key = fmt.Sprintf("%s@%d", projectPath, info.ModTime().UnixNano())
	}
	if cached, ok := d.cache.Get(key); ok {
		return cached
	}
	digest := buildDigest(projectPath)
	d.cache.Add(key, digest)
	return digest
}

func buildDigest(root string) string {
	sections := []struct {
		header string
		body   string
	}{
		{"package.json", packageSummary(root)},
		{"Top-level layout", topLevelLayout(root)},
		{"Config files", configInventory(root)},
		{"Source layout", sourceSkeleton(root)},
		{"Entry-file imports", entryImports(root)},
	}

	var b strings.Builder
	for _, s := range sections {
		if s.body == "" {
			continue
		}
		b.WriteString(s.header)
		b.WriteString(":\n")
		b.WriteString(s.body)
		b.WriteString("\n\n")
	}

	digest := strings.TrimSpace(b.String())
	if len(digest) > digestMaxBytes {
		digest = digest[:digestMaxBytes] + "\n[project context truncated]"
	}
	return digest
}

// packageSummary renders the manifest's name, scripts and dependency names.
// Versions are dropped; they rarely matter to the model and waste tokens.
func packageSummary(root string) string {
	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		return ""
	}
	var pkg struct {
		Name            string            `json:"name"`
		Main            string            `json:"main"`
		Type            string            `json:"type"`
		Scripts         map[string]string `json:"scripts"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return "  (unparsable package.json)"
	}

	var b strings.Builder
	if pkg.Name != "" {
		fmt.Fprintf(&b, "  name: %s\n", pkg.Name)
	}
	if pkg.Main != "" {
		fmt.Fprintf(&b, "  main: %s\n", pkg.Main)
	}
	if pkg.Type != "" {
		fmt.Fprintf(&b, "  type: %s\n", pkg.Type)
	}
	if len(pkg.Scripts) > 0 {
		fmt.Fprintf(&b, "  scripts: %s\n", strings.Join(sortedKeys(pkg.Scripts), ", "))
	}
	if len(pkg.Dependencies) > 0 {
		fmt.Fprintf(&b, "  dependencies: %s\n", strings.Join(sortedKeys(pkg.Dependencies), ", "))
	}
	if len(pkg.DevDependencies) > 0 {
		fmt.Fprintf(&b, "  devDependencies: %s\n", strings.Join(sortedKeys(pkg.DevDependencies), ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func topLevelLayout(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if skipDigestEntry(name) {
			continue
		}
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > digestMaxEntries {
		names = append(names[:digestMaxEntries], fmt.Sprintf("... and %d more", len(names)-digestMaxEntries))
	}
	if len(names) == 0 {
		return "  (empty project)"
	}
	return "  " + strings.Join(names, "  ")
}

// configInventory lists which well-known config files exist, values unseen.
func configInventory(root string) string {
	known := []string{
		"vite.config.js", "vite.config.ts", "vite.config.mjs",
		"tsconfig.json", "jsconfig.json",
		"tailwind.config.js", "tailwind.config.ts", "postcss.config.js",
		"next.config.js", "next.config.mjs", "svelte.config.js", "astro.config.mjs",
		".env", "Dockerfile", "docker-compose.yml", ".eslintrc.json", ".prettierrc",
		"requirements.txt", "pyproject.toml",
	}
	var present []string
	for _, name := range known {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			present = append(present, name)
		}
	}
	if len(present) == 0 {
		return ""
	}
	return "  " + strings.Join(present, ", ")
}

// sourceSkeleton walks the conventional source directory two levels deep.
func sourceSkeleton(root string) string {
	var srcDir string
	for _, candidate := range []string{"src", "app", "lib", "server"} {
		if info, err := os.Stat(filepath.Join(root, candidate)); err == nil && info.IsDir() {
			srcDir = candidate
			break
		}
	}
	if srcDir == "" {
		return ""
	}

	var lines []string
	base := filepath.Join(root, srcDir)
	_ = filepath.WalkDir(base, func(path string, entry os.DirEntry, err error) error {
		if err != nil || path == base {
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return nil
		}
		if skipDigestEntry(entry.Name()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.Count(rel, string(filepath.Separator)) >= digestSkeletonOnly {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		display := filepath.ToSlash(filepath.Join(srcDir, rel))
		if entry.IsDir() {
			display += "/"
		}
		lines = append(lines, "  "+display)
		if len(lines) >= digestSkeletonCap {
			return filepath.SkipAll
		}
		return nil
	})
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// entryImports shows the import block of the project's entry file so the
// model knows the framework in play before reading anything.
func entryImports(root string) string {
	candidates := []string{
		"src/main.tsx", "src/main.jsx", "src/main.ts", "src/main.js",
		"src/index.tsx", "src/index.jsx", "src/index.ts", "src/index.js",
		"src/App.tsx", "src/App.jsx",
		"index.js", "server.js", "app.py", "main.py",
	}
	for _, rel := range candidates {
		data, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil {
			continue
		}
		var imports []string
		for i, line := range strings.Split(string(data), "\n") {
			if i >= digestImportLines {
				break
			}
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "import ") || strings.HasPrefix(trimmed, "from ") ||
				strings.Contains(trimmed, "require(") {
				imports = append(imports, "  "+trimmed)
			}
		}
		if len(imports) == 0 {
			return ""
		}
		return fmt.Sprintf("  (%s)\n%s", rel, strings.Join(imports, "\n"))
	}
	return ""
}

func skipDigestEntry(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules" || name == "__pycache__" || name == "dist" || name == "build"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
