package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	errs "milo/internal/errors"
)

// LaunchPlan describes how to bring a project up: either a command line to
// spawn or a directory to serve statically.
type LaunchPlan struct {
	Args       []string
	StaticRoot string
	Label      string
}

type packageManifest struct {
	Main    string            `json:"main"`
	Scripts map[string]string `json:"scripts"`
	Deps    map[string]string `json:"dependencies"`
	DevDeps map[string]string `json:"devDependencies"`
}

// DetectCommand inspects a project directory and picks the most specific way
// to run it. Vite projects get the dev server on our port; plain static
// sites get the built-in file server.
func DetectCommand(projectDir string, port int) (*LaunchPlan, error) {
	manifestPath := filepath.Join(projectDir, "package.json")
	if data, err := os.ReadFile(manifestPath); err == nil {
		var manifest packageManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("parse package.json: %w", err)
		}

		if usesVite(projectDir, manifest) {
			return &LaunchPlan{
				Args:  []string{"npx", "vite", "--port", strconv.Itoa(port), "--host", "0.0.0.0"},
				Label: "vite dev server",
			}, nil
		}
		if _, found := manifest.Scripts["dev"]; found {
			return &LaunchPlan{Args: []string{"npm", "run", "dev"}, Label: "npm run dev"}, nil
		}
		if _, found := manifest.Scripts["start"]; found {
			return &LaunchPlan{Args: []string{"npm", "start"}, Label: "npm start"}, nil
		}
		if manifest.Main != "" {
			return &LaunchPlan{Args: []string{"node", manifest.Main}, Label: "node " + manifest.Main}, nil
		}
	}

	for _, entry := range []string{"main.py", "app.py"} {
		if fileExists(filepath.Join(projectDir, entry)) {
			return &LaunchPlan{Args: []string{"python3", entry}, Label: "python3 " + entry}, nil
		}
	}

	for _, index := range []string{"index.html", "public/index.html", "src/index.html"} {
		candidate := filepath.Join(projectDir, index)
		if fileExists(candidate) {
			return &LaunchPlan{
				StaticRoot: filepath.Dir(candidate),
				Label:      "static file server",
			}, nil
		}
	}

	for _, entry := range []string{"index.js", "server.js"} {
		if fileExists(filepath.Join(projectDir, entry)) {
			return &LaunchPlan{Args: []string{"node", entry}, Label: "node " + entry}, nil
		}
	}

	return nil, fmt.Errorf("no way to run %s; add a start script, an entry file or an index.html: %w",
		projectDir, errs.ErrNoEntryPoint)
}

func usesVite(projectDir string, manifest packageManifest) bool {
	for _, config := range []string{"vite.config.js", "vite.config.ts", "vite.config.mjs"} {
		if fileExists(filepath.Join(projectDir, config)) {
			return true
		}
	}
	if _, found := manifest.Deps["vite"]; found {
		return true
	}
	_, found := manifest.DevDeps["vite"]
	return found
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
