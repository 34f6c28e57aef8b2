package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

// scaffoldFeatures are the optional add-ons a template can carry.
type scaffoldFeatures struct {
	TypeScript bool
	Tailwind   bool
	Docker     bool
}

// scaffoldFile is one rendered file of a template.
type scaffoldFile struct {
	path    string
	content string
}

type scaffoldProject struct {
	ws *tools.Workspace
}

func NewScaffoldProject(ws *tools.Workspace) ports.ToolExecutor {
	return &scaffoldProject{ws: ws}
}

func (t *scaffoldProject) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	template, err := stringArg(call, "template")
	if err != nil {
		return fail(call, err), nil
	}
	feats, err := parseFeatures(optionalStrings(call, "features"))
	if err != nil {
		return fail(call, err), nil
	}
	name := optionalString(call, "name", filepath.Base(t.ws.Root()))

	if _, err := os.Stat(filepath.Join(t.ws.Root(), "package.json")); err == nil {
		return fail(call, fmt.Errorf("the project directory already contains a package.json; scaffold into an empty project")), nil
	}

	files, needsInstall, err := renderTemplate(template, name, feats)
	if err != nil {
		return fail(call, err), nil
	}

	for _, f := range files {
		abs, err := t.ws.Resolve(f.path)
		if err != nil {
			return fail(call, err), nil
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return fail(call, fmt.Errorf("cannot create %s: %w", filepath.Dir(f.path), err)), nil
		}
		if err := os.WriteFile(abs, []byte(f.content), 0644); err != nil {
			return fail(call, fmt.Errorf("cannot write %s: %w", f.path, err)), nil
		}
	}

	var out strings.Builder
	out.WriteString(fmt.Sprintf("Scaffolded %s project %q with %d files:\n", template, name, len(files)))
	for _, f := range files {
		out.WriteString(fmt.Sprintf("- %s\n", f.path))
	}

	if needsInstall {
		if _, exitCode, runErr := runShell(ctx, "npm install", t.ws.Root()); runErr != nil {
			out.WriteString(fmt.Sprintf("npm install failed with exit code %d; run install_package once the registry is reachable", exitCode))
		} else {
			out.WriteString("Dependencies installed.")
		}
	} else {
		out.WriteString("No dependencies to install.")
	}
	return ok(call, out.String()), nil
}

func parseFeatures(raw []string) (scaffoldFeatures, error) {
	var feats scaffoldFeatures
	for _, f := range raw {
		switch f {
		case "typescript":
			feats.TypeScript = true
		case "tailwind":
			feats.Tailwind = true
		case "docker":
			feats.Docker = true
		default:
			return feats, fmt.Errorf("unknown feature %q; supported: typescript, tailwind, docker", f)
		}
	}
	return feats, nil
}

func renderTemplate(template, name string, feats scaffoldFeatures) (files []scaffoldFile, needsInstall bool, err error) {
	switch template {
	case "react":
		return reactTemplate(name, feats), true, nil
	case "express-api":
		return expressTemplate(name, feats), true, nil
	case "fullstack":
		return fullstackTemplate(name, feats), true, nil
	case "node-cli":
		return nodeCLITemplate(name, feats), true, nil
	case "static":
		return staticTemplate(name, feats), false, nil
	default:
		return nil, false, fmt.Errorf("unknown template %q; supported: react, express-api, fullstack, node-cli, static", template)
	}
}

// manifestJSON renders a package.json with stable key order.
func manifestJSON(name string, scripts map[string]string, deps, devDeps map[string]string, extra map[string]any) string {
	manifest := map[string]any{
		"name":    name,
		"version": "0.1.0",
		"private": true,
	}
	for k, v := range extra {
		manifest[k] = v
	}
	if len(scripts) > 0 {
		manifest["scripts"] = scripts
	}
	if len(deps) > 0 {
		manifest["dependencies"] = deps
	}
	if len(devDeps) > 0 {
		manifest["devDependencies"] = devDeps
	}
	data, _ := json.MarshalIndent(manifest, "", "  ")
	return string(data) + "\n"
}

func reactTemplate(name string, feats scaffoldFeatures) []scaffoldFile {
	ext := "jsx"
	if feats.TypeScript {
		ext = "tsx"
	}

	devDeps := map[string]string{
		"vite":                 "^5.4.0",
		"@vitejs/plugin-react": "^4.3.0",
	}
	if feats.TypeScript {
		devDeps["typescript"] = "^5.5.0"
		devDeps["@types/react"] = "^18.3.0"
		devDeps["@types/react-dom"] = "^18.3.0"
	}
	if feats.Tailwind {
		devDeps["tailwindcss"] = "^3.4.0"
		devDeps["postcss"] = "^8.4.0"
		devDeps["autoprefixer"] = "^10.4.0"
	}

	files := []scaffoldFile{
		{"package.json", manifestJSON(name,
			map[string]string{"dev": "vite", "build": "vite build", "preview": "vite preview"},
			map[string]string{"react": "^18.3.0", "react-dom": "^18.3.0"},
			devDeps,
			map[string]any{"type": "module"})},
		{"index.html", fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>%s</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.%s"></script>
  </body>
</html>
`, name, ext)},
		{"src/main." + ext, `import React from 'react'
import ReactDOM from 'react-dom/client'
import App from './App'
import './index.css'

ReactDOM.createRoot(document.getElementById('root')).render(
  <React.StrictMode>
    <App />
  </React.StrictMode>,
)
`},
		{"src/App." + ext, fmt.Sprintf(`export default function App() {
  return (
    <main>
      <h1>%s</h1>
      <p>Edit src/App.%s to get started.</p>
    </main>
  )
}
`, name, ext)},
		{"src/index.css", indexCSS(feats)},
		{"vite.config." + scriptExt(feats), `import { defineConfig } from 'vite'
import react from '@vitejs/plugin-react'

export default defineConfig({
  plugins: [react()],
})
`},
		{".gitignore", "node_modules\ndist\n"},
	}

	if feats.TypeScript {
		files = append(files, scaffoldFile{"tsconfig.json", tsconfigJSON("react-jsx")})
	}
	files = append(files, tailwindFiles(feats)...)
	files = append(files, dockerFiles(feats, "npm run build", "npm run preview")...)
	return files
}

func expressTemplate(name string, feats scaffoldFeatures) []scaffoldFile {
	ext := scriptExt(feats)

	deps := map[string]string{"express": "^4.19.0"}
	devDeps := map[string]string{}
	start := "node server/index.js"
	if feats.TypeScript {
		devDeps["typescript"] = "^5.5.0"
		devDeps["@types/express"] = "^4.17.0"
		devDeps["tsx"] = "^4.16.0"
		start = "tsx server/index.ts"
	}

	files := []scaffoldFile{
		{"package.json", manifestJSON(name,
			map[string]string{"start": start},
			deps, devDeps,
			map[string]any{"type": "module"})},
		{"server/index." + ext, fmt.Sprintf(`import express from 'express'

const app = express()
const port = process.env.PORT || 3000

app.use(express.json())

app.get('/api/health', (req, res) => {
  res.json({ status: 'ok', service: '%s' })
})

app.listen(port, () => {
  console.log('listening on port ' + port)
})
`, name)},
		{".env", "PORT=3000\n"},
		{".gitignore", "node_modules\n.env\n"},
	}

	if feats.TypeScript {
		files = append(files, scaffoldFile{"tsconfig.json", tsconfigJSON("")})
	}
	files = append(files, dockerFiles(feats, "", "npm start")...)
	return files
}

func fullstackTemplate(name string, feats scaffoldFeatures) []scaffoldFile {
	ext := scriptExt(feats)

	deps := map[string]string{"express": "^4.19.0"}
	devDeps := map[string]string{}
	start := "node server/index.js"
	if feats.TypeScript {
		devDeps["typescript"] = "^5.5.0"
		devDeps["@types/express"] = "^4.17.0"
		devDeps["tsx"] = "^4.16.0"
		start = "tsx server/index.ts"
	}

	files := []scaffoldFile{
		{"package.json", manifestJSON(name,
			map[string]string{"start": start},
			deps, devDeps,
			map[string]any{"type": "module"})},
		{"server/index." + ext, fmt.Sprintf(`import express from 'express'
import path from 'path'
import { fileURLToPath } from 'url'

const dirname = path.dirname(fileURLToPath(import.meta.url))
const app = express()
const port = process.env.PORT || 3000

app.use(express.json())
app.use(express.static(path.join(dirname, '..', 'public')))

app.get('/api/health', (req, res) => {
  res.json({ status: 'ok', service: '%s' })
})

app.listen(port, () => {
  console.log('listening on port ' + port)
})
`, name)},
		{"public/index.html", fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>%s</title>
    <link rel="stylesheet" href="/styles.css" />
  </head>
  <body>
    <main>
      <h1>%s</h1>
      <p id="status">checking…</p>
    </main>
    <script src="/app.js"></script>
  </body>
</html>
`, name, name)},
		{"public/styles.css", "body { font-family: sans-serif; margin: 2rem; }\n"},
		{"public/app.js", `fetch('/api/health')
  .then((res) => res.json())
  .then((data) => {
    document.getElementById('status').textContent = 'server says: ' + data.status
  })
  .catch(() => {
    document.getElementById('status').textContent = 'server unreachable'
  })
`},
		{".env", "PORT=3000\n"},
		{".gitignore", "node_modules\n.env\n"},
	}

	if feats.TypeScript {
		files = append(files, scaffoldFile{"tsconfig.json", tsconfigJSON("")})
	}
	files = append(files, dockerFiles(feats, "", "npm start")...)
	return files
}

func nodeCLITemplate(name string, feats scaffoldFeatures) []scaffoldFile {
	ext := scriptExt(feats)

	devDeps := map[string]string{}
	start := "node src/cli.js"
	if feats.TypeScript {
		devDeps["typescript"] = "^5.5.0"
		devDeps["tsx"] = "^4.16.0"
		start = "tsx src/cli.ts"
	}

	files := []scaffoldFile{
		{"package.json", manifestJSON(name,
			map[string]string{"start": start},
			nil, devDeps,
			map[string]any{
				"type": "module",
				"bin":  map[string]any{name: "./src/cli." + ext},
			})},
		{"src/cli." + ext, fmt.Sprintf(`#!/usr/bin/env node

const args = process.argv.slice(2)

if (args.length === 0 || args[0] === '--help') {
  console.log('usage: %s <command>')
  process.exit(0)
}

console.log('running: ' + args.join(' '))
`, name)},
		{".gitignore", "node_modules\n"},
	}

	if feats.TypeScript {
		files = append(files, scaffoldFile{"tsconfig.json", tsconfigJSON("")})
	}
	files = append(files, dockerFiles(feats, "", "npm start")...)
	return files
}

func staticTemplate(name string, feats scaffoldFeatures) []scaffoldFile {
	head := ""
	if feats.Tailwind {
		head = "\n    <script src=\"https://cdn.tailwindcss.com\"></script>"
	}
	files := []scaffoldFile{
		{"index.html", fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>%s</title>
    <link rel="stylesheet" href="styles.css" />%s
  </head>
  <body>
    <main>
      <h1>%s</h1>
    </main>
    <script src="script.js"></script>
  </body>
</html>
`, name, head, name)},
		{"styles.css", "body { font-family: sans-serif; margin: 2rem; }\n"},
		{"script.js", "console.log('ready')\n"},
	}
	if feats.Docker {
		files = append(files,
			scaffoldFile{"Dockerfile", `FROM nginx:alpine
COPY . /usr/share/nginx/html
EXPOSE 80
`},
			scaffoldFile{".dockerignore", "Dockerfile\n.git\n"},
		)
	}
	return files
}

func scriptExt(feats scaffoldFeatures) string {
	if feats.TypeScript {
		return "ts"
	}
	return "js"
}

func indexCSS(feats scaffoldFeatures) string {
	if feats.Tailwind {
		return "@tailwind base;\n@tailwind components;\n@tailwind utilities;\n"
	}
	return "body { font-family: sans-serif; margin: 2rem; }\n"
}

func tailwindFiles(feats scaffoldFeatures) []scaffoldFile {
	if !feats.Tailwind {
		return nil
	}
	return []scaffoldFile{
		{"tailwind.config.js", `export default {
  content: ['./index.html', './src/**/*.{js,jsx,ts,tsx}'],
  theme: { extend: {} },
  plugins: [],
}
`},
		{"postcss.config.js", `export default {
  plugins: { tailwindcss: {}, autoprefixer: {} },
}
`},
	}
}

func dockerFiles(feats scaffoldFeatures, buildStep, startCmd string) []scaffoldFile {
	if !feats.Docker {
		return nil
	}
	var df strings.Builder
	df.WriteString("FROM node:20-alpine\nWORKDIR /app\nCOPY package*.json ./\nRUN npm install\nCOPY . .\n")
	if buildStep != "" {
		df.WriteString("RUN " + buildStep + "\n")
	}
	df.WriteString("EXPOSE 3000\nCMD [\"sh\", \"-c\", \"" + startCmd + "\"]\n")
	return []scaffoldFile{
		{"Dockerfile", df.String()},
		{".dockerignore", "node_modules\n.git\n"},
	}
}

func tsconfigJSON(jsx string) string {
	compiler := map[string]any{
		"target":           "ES2022",
		"module":           "ESNext",
		"moduleResolution": "bundler",
		"strict":           true,
		"skipLibCheck":     true,
		"noEmit":           true,
	}
	if jsx != "" {
		compiler["jsx"] = jsx
	}
	data, _ := json.MarshalIndent(map[string]any{"compilerOptions": compiler}, "", "  ")
	return string(data) + "\n"
}

func (t *scaffoldProject) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "scaffold_project",
		Description: "Create a new project skeleton from a template and install its dependencies. " +
			"Refuses to scaffold over an existing package.json.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"template": {
					Type:        "string",
					Description: "Project template",
					Enum:        []string{"react", "express-api", "fullstack", "node-cli", "static"},
				},
				"name": {Type: "string", Description: "Project name; defaults to the directory name"},
				"features": {
					Type:        "array",
					Description: "Optional add-ons: typescript, tailwind, docker",
					Items:       &ports.Property{Type: "string"},
				},
			},
			Required: []string{"template"},
		},
	}
}

func (t *scaffoldProject) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "scaffold_project", Category: "scaffolding"}
}
