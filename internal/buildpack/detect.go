package buildpack

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattn/go-shellwords"
	"golang.org/x/mod/modfile"
)

type packageManager string

const (
	pmNPM  packageManager = "npm"
	pmYarn packageManager = "yarn"
	pmPNPM packageManager = "pnpm"
)

type npmManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
	Engines         map[string]string `json:"engines"`
}

func (m *npmManifest) hasDependency(name string) bool {
	if m == nil {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	return false
}

func (m *npmManifest) script(name string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m.Scripts[name])
}

var versionPattern = regexp.MustCompile(`\d+(\.\d+)?`)

type project struct {
	dir      string
	manifest *npmManifest
}

func (p *project) load() {
	data, err := os.ReadFile(p.path("package.json"))
	if err != nil {
		return
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		// an unreadable manifest still marks a node project
		p.manifest = &npmManifest{}
		return
	}
	p.manifest = &manifest
}

func (p *project) path(name string) string {
	return filepath.Join(p.dir, name)
}

func (p *project) has(names ...string) bool {
	for _, name := range names {
		if fileExists(p.path(name)) {
			return true
		}
	}
	return false
}

// classify picks the runtime from marker files, then the hint, then node.
func (p *project) classify(hint string) string {
	switch {
	case p.manifest != nil:
		if p.manifest.hasDependency("next") {
			return RuntimeNext
		}
		return RuntimeNode
	case p.has("go.mod"):
		return RuntimeGo
	case p.has("pom.xml", "build.gradle", "build.gradle.kts", "mvnw", "gradlew"):
		return RuntimeJava
	case p.has("Gemfile"):
		return RuntimeRuby
	case p.has("requirements.txt", "pyproject.toml", "Pipfile"):
		return RuntimePython
	}
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case RuntimeNext:
		return RuntimeNext
	case RuntimeGo, "golang":
		return RuntimeGo
	case RuntimeJava:
		return RuntimeJava
	case RuntimeRuby:
		return RuntimeRuby
	case RuntimePython:
		return RuntimePython
	}
	return RuntimeNode
}

func (p *project) packageManager() packageManager {
	if p.manifest != nil {
		field := strings.ToLower(strings.TrimSpace(p.manifest.PackageManager))
		if idx := strings.Index(field, "@"); idx > 0 {
			field = field[:idx]
		}
		switch field {
		case "yarn":
			return pmYarn
		case "pnpm":
			return pmPNPM
		case "npm":
			return pmNPM
		}
	}
	switch {
	case p.has("yarn.lock"):
		return pmYarn
	case p.has("pnpm-lock.yaml"):
		return pmPNPM
	default:
		return pmNPM
	}
}

func (p *project) planNode(plan *Plan, hints Hints) {
	pm := p.packageManager()
	plan.PackageManager = string(pm)
	version := pickVersion(hints.Version, p.engineVersion(), "20")
	plan.BaseImage = "node:" + majorOnly(version) + "-bookworm-slim"
	plan.CacheDirs = []string{"node_modules"}
	if plan.Runtime == RuntimeNext {
		plan.CacheDirs = append(plan.CacheDirs, ".next/cache")
	}

	switch pm {
	case pmYarn:
		plan.InstallCommand = "corepack enable && yarn install --frozen-lockfile"
	case pmPNPM:
		plan.InstallCommand = "corepack enable && pnpm install --frozen-lockfile"
	default:
		if p.has("package-lock.json", "npm-shrinkwrap.json") {
			plan.InstallCommand = "npm ci"
		} else {
			plan.InstallCommand = "npm install --no-audit --no-fund"
		}
	}
	if p.manifest.script("build") != "" {
		plan.BuildCommand = string(pm) + " run build"
	}
	switch {
	case p.manifest.script("start") != "":
		plan.StartCommand = []string{string(pm), "start"}
	case plan.Runtime == RuntimeNext:
		plan.StartCommand = []string{"npx", "next", "start"}
	case p.has("server.js"):
		plan.StartCommand = []string{"node", "server.js"}
	default:
		plan.StartCommand = []string{"node", "index.js"}
	}
}

func (p *project) engineVersion() string {
	if p.manifest == nil || p.manifest.Engines == nil {
		return ""
	}
	return p.manifest.Engines["node"]
}

func (p *project) planGo(plan *Plan, hints Hints) {
	version := pickVersion(hints.Version, p.goDirective(), "1.24")
	plan.BaseImage = "golang:" + majorMinor(version) + "-bookworm"
	plan.RuntimeImage = "debian:bookworm-slim"
	plan.InstallCommand = "go mod download"
	plan.BuildCommand = "CGO_ENABLED=0 GOOS=linux go build -o /out/app ."
	plan.StartCommand = []string{"/app/app"}
}

func (p *project) goDirective() string {
	data, err := os.ReadFile(p.path("go.mod"))
	if err != nil {
		return ""
	}
	file, err := modfile.ParseLax("go.mod", data, nil)
	if err != nil || file.Go == nil {
		return ""
	}
	return file.Go.Version
}

func (p *project) planJava(plan *Plan, hints Hints) {
	version := majorOnly(pickVersion(hints.Version, "", "21"))
	plan.RuntimeImage = "eclipse-temurin:" + version + "-jre"
	if p.has("gradlew", "build.gradle", "build.gradle.kts") {
		plan.PackageManager = "gradle"
		plan.BaseImage = "gradle:8.10-jdk" + version
		plan.BuildCommand = "gradle clean build -x test --no-daemon && cp \"$(find build/libs -name '*.jar' -type f | head -n 1)\" /out/app.jar"
	} else {
		plan.PackageManager = "maven"
		plan.BaseImage = "maven:3.9-eclipse-temurin-" + version
		plan.InstallCommand = "mvn -B dependency:go-offline"
		plan.BuildCommand = "mvn -B package -DskipTests && cp \"$(ls -1 target/*.jar | head -n 1)\" /out/app.jar"
	}
	plan.StartCommand = []string{"java", "-jar", "/app/app.jar"}
}

func (p *project) planRuby(plan *Plan, hints Hints) {
	version := pickVersion(hints.Version, p.dotVersion(".ruby-version"), "3.3")
	plan.BaseImage = "ruby:" + majorMinor(version) + "-slim"
	plan.PackageManager = "bundler"
	plan.InstallCommand = "bundle config set --local path vendor/bundle && bundle install --jobs 4 --retry 3"
	plan.CacheDirs = []string{"vendor/bundle"}
	plan.StartCommand = []string{"bundle", "exec", "puma", "-b", "tcp://0.0.0.0:" + itoa(plan.Port)}
}

func (p *project) planPython(plan *Plan, hints Hints) {
	version := pickVersion(hints.Version, p.dotVersion(".python-version"), "3.12")
	plan.BaseImage = "python:" + majorMinor(version) + "-slim"
	plan.PackageManager = "pip"
	switch {
	case p.has("requirements.txt"):
		plan.InstallCommand = "python -m venv .venv && .venv/bin/pip install --no-cache-dir -r requirements.txt"
	case p.has("pyproject.toml"):
		plan.InstallCommand = "python -m venv .venv && .venv/bin/pip install --no-cache-dir ."
	default:
		plan.InstallCommand = "python -m venv .venv && .venv/bin/pip install --no-cache-dir pipenv && .venv/bin/pipenv install --system --deploy"
	}
	plan.CacheDirs = []string{".venv"}
	if p.has("main.py") && !p.has("app.py") {
		plan.StartCommand = []string{".venv/bin/python", "main.py"}
	} else {
		plan.StartCommand = []string{".venv/bin/python", "app.py"}
	}
}

func (p *project) dotVersion(name string) string {
	data, err := os.ReadFile(p.path(name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// pickVersion prefers the hint, then the manifest value, then the fallback.
func pickVersion(hint, manifest, fallback string) string {
	for _, candidate := range []string{hint, manifest} {
		if v := versionPattern.FindString(candidate); v != "" {
			return v
		}
	}
	return fallback
}

func majorOnly(version string) string {
	if idx := strings.Index(version, "."); idx > 0 {
		return version[:idx]
	}
	return version
}

func majorMinor(version string) string {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) >= 2 {
		return parts[0] + "." + parts[1]
	}
	return version
}

// splitCommand turns a command line into exec form, keeping shell syntax
// behind sh -c.
func splitCommand(line string) []string {
	if strings.ContainsAny(line, "&|;<>$`") {
		return []string{"sh", "-c", line}
	}
	args, err := shellwords.Parse(line)
	if err != nil || len(args) == 0 {
		return []string{"sh", "-c", line}
	}
	return args
}
