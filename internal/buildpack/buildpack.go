package buildpack

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Supported runtimes.
const (
	RuntimeNode   = "node"
	RuntimeNext   = "next"
	RuntimeGo     = "go"
	RuntimeJava   = "java"
	RuntimeRuby   = "ruby"
	RuntimePython = "python"

	// RuntimeDockerfile marks a repository that ships its own recipe.
	RuntimeDockerfile = "dockerfile"

	defaultPort = 3000

	buildScriptPath = ".paas/build.sh"
)

// DefaultRunUID is the uid synthesized images switch to when the caller
// does not assign one.
const DefaultRunUID = 10001

// Hints carries explicit overrides supplied with a deploy task.
type Hints struct {
	Runtime        string `json:"runtime,omitempty"`
	Version        string `json:"version,omitempty"`
	BaseImage      string `json:"base_image,omitempty"`
	InstallCommand string `json:"install_command,omitempty"`
	BuildCommand   string `json:"build_command,omitempty"`
	StartCommand   string `json:"start_command,omitempty"`
	Port           int    `json:"port,omitempty"`
	// RunUID is the uid the image will be run as. It is assigned by the
	// agent, never by the task payload.
	RunUID int `json:"-"`
}

// Plan is the build recipe chosen for a source tree.
type Plan struct {
	Runtime     string
	Passthrough bool
	// BaseImage is the image the build runs in; RuntimeImage, when set, is
	// the final stage the artifact is copied into.
	BaseImage      string
	RuntimeImage   string
	PackageManager string
	InstallCommand string
	BuildCommand   string
	StartCommand   []string
	Port           int
	RunUID         int
	// CacheDirs are paths relative to the image workdir worth carrying between builds.
	CacheDirs  []string
	Dockerfile string
	// BuildScript holds an overridden build command that is run from a file.
	BuildScript string
}

// Detect inspects dir and returns the recipe to build it with. Detection
// problems never fail; unknown trees are treated as node projects.
func Detect(dir string, hints Hints) (Plan, error) {
	port := hints.Port
	if port <= 0 {
		port = defaultPort
	}
	exists, err := hasDockerfile(dir)
	if err != nil {
		return Plan{}, err
	}
	if exists {
		return Plan{Runtime: RuntimeDockerfile, Passthrough: true, Port: port}, nil
	}

	p := project{dir: dir}
	p.load()
	runtime := p.classify(hints.Runtime)

	uid := hints.RunUID
	if uid <= 0 {
		uid = DefaultRunUID
	}
	plan := Plan{Runtime: runtime, Port: port, RunUID: uid}
	switch runtime {
	case RuntimeNext, RuntimeNode:
		p.planNode(&plan, hints)
	case RuntimeGo:
		p.planGo(&plan, hints)
	case RuntimeJava:
		p.planJava(&plan, hints)
	case RuntimeRuby:
		p.planRuby(&plan, hints)
	case RuntimePython:
		p.planPython(&plan, hints)
	}
	if strings.TrimSpace(hints.BaseImage) != "" {
		plan.BaseImage = strings.TrimSpace(hints.BaseImage)
	}
	if cmd := strings.TrimSpace(hints.InstallCommand); cmd != "" {
		plan.InstallCommand = cmd
	}
	if cmd := strings.TrimSpace(hints.BuildCommand); cmd != "" {
		plan.BuildCommand = ""
		plan.BuildScript = cmd
	}
	if cmd := strings.TrimSpace(hints.StartCommand); cmd != "" {
		plan.StartCommand = splitCommand(cmd)
	}
	plan.Dockerfile = render(plan)
	return plan, nil
}

// Write materializes the recipe inside dir. Passthrough plans leave the tree untouched.
func (p Plan) Write(dir string) error {
	if p.Passthrough {
		return nil
	}
	if p.BuildScript != "" {
		if err := os.MkdirAll(filepath.Join(dir, filepath.Dir(buildScriptPath)), 0o755); err != nil {
			return fmt.Errorf("create build script dir: %w", err)
		}
		script := "#!/bin/sh\nset -eu\n\n" + p.BuildScript + "\n"
		if err := os.WriteFile(filepath.Join(dir, buildScriptPath), []byte(script), 0o755); err != nil {
			return fmt.Errorf("write build script: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(p.Dockerfile), 0o644); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	ignore := filepath.Join(dir, ".dockerignore")
	if !fileExists(ignore) {
		if err := os.WriteFile(ignore, []byte(".git\n"), 0o644); err != nil {
			return fmt.Errorf("write dockerignore: %w", err)
		}
	}
	return nil
}

func hasDockerfile(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("read workspace: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(entry.Name(), "dockerfile") {
			return true, nil
		}
	}
	return false, nil
}

func fileExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
