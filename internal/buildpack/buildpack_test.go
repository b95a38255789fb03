package buildpack

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDetectRuntimeHeuristics(t *testing.T) {
	cases := []struct {
		name  string
		files map[string]string
		hint  string
		want  string
	}{
		{name: "node defaults", files: map[string]string{"package.json": `{"name":"app","dependencies":{"react":"18.0.0"}}`}, want: RuntimeNode},
		{name: "next detected", files: map[string]string{"package.json": `{"dependencies":{"next":"14.0.0"}}`}, want: RuntimeNext},
		{name: "go module", files: map[string]string{"go.mod": "module example.com/app\n\ngo 1.22.3\n"}, want: RuntimeGo},
		{name: "java project", files: map[string]string{"pom.xml": "<project></project>"}, want: RuntimeJava},
		{name: "ruby project", files: map[string]string{"Gemfile": "source 'https://rubygems.org'\n"}, want: RuntimeRuby},
		{name: "python project", files: map[string]string{"requirements.txt": "flask\n"}, want: RuntimePython},
		{name: "hint used without markers", hint: "python", want: RuntimePython},
		{name: "markers beat hint", files: map[string]string{"go.mod": "module x\n"}, hint: "ruby", want: RuntimeGo},
		{name: "nothing detected", want: RuntimeNode},
		{name: "broken manifest", files: map[string]string{"package.json": "{not json"}, want: RuntimeNode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tc.files {
				writeFile(t, dir, name, content)
			}
			plan, err := Detect(dir, Hints{Runtime: tc.hint})
			if err != nil {
				t.Fatalf("Detect error: %v", err)
			}
			if plan.Runtime != tc.want {
				t.Fatalf("expected runtime %q got %q", tc.want, plan.Runtime)
			}
		})
	}
}

func TestDetectHonorsExistingDockerfile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"app"}`)
	writeFile(t, dir, "Dockerfile", "FROM scratch\n")

	plan, err := Detect(dir, Hints{Port: 8080})
	if err != nil {
		t.Fatalf("Detect error: %v", err)
	}
	if !plan.Passthrough || plan.Runtime != RuntimeDockerfile {
		t.Fatalf("expected passthrough plan, got %+v", plan)
	}
	if err := plan.Write(dir); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if got := readFile(t, filepath.Join(dir, "Dockerfile")); got != "FROM scratch\n" {
		t.Fatalf("existing Dockerfile modified: %q", got)
	}
}

func TestDetectNodePackageManager(t *testing.T) {
	t.Run("package manager field", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{"packageManager":"pnpm@8.6.0"}`)
		plan, err := Detect(dir, Hints{})
		if err != nil {
			t.Fatalf("Detect error: %v", err)
		}
		if plan.PackageManager != "pnpm" {
			t.Fatalf("expected pnpm, got %s", plan.PackageManager)
		}
	})

	t.Run("lock files", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{}`)
		writeFile(t, dir, "yarn.lock", "\n")
		plan, err := Detect(dir, Hints{})
		if err != nil {
			t.Fatalf("Detect error: %v", err)
		}
		if plan.PackageManager != "yarn" || !strings.Contains(plan.InstallCommand, "yarn install") {
			t.Fatalf("expected yarn install, got %+v", plan)
		}
	})

	t.Run("npm lockfile uses ci", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{}`)
		writeFile(t, dir, "package-lock.json", `{}`)
		plan, _ := Detect(dir, Hints{})
		if plan.InstallCommand != "npm ci" {
			t.Fatalf("expected npm ci, got %q", plan.InstallCommand)
		}
	})
}

func TestBaseImageSelection(t *testing.T) {
	t.Run("override wins", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{"engines":{"node":">=18"}}`)
		plan, _ := Detect(dir, Hints{Version: "22", BaseImage: "registry.local/node:custom"})
		if plan.BaseImage != "registry.local/node:custom" {
			t.Fatalf("expected override base image, got %s", plan.BaseImage)
		}
	})

	t.Run("hint version beats manifest", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{"engines":{"node":">=18"}}`)
		plan, _ := Detect(dir, Hints{Version: "22.1"})
		if plan.BaseImage != "node:22-bookworm-slim" {
			t.Fatalf("unexpected base image %s", plan.BaseImage)
		}
	})

	t.Run("manifest engines", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{"engines":{"node":"^18.17.0"}}`)
		plan, _ := Detect(dir, Hints{})
		if plan.BaseImage != "node:18-bookworm-slim" {
			t.Fatalf("unexpected base image %s", plan.BaseImage)
		}
	})

	t.Run("go directive", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "go.mod", "module example.com/app\n\ngo 1.22.3\n")
		plan, _ := Detect(dir, Hints{})
		if plan.BaseImage != "golang:1.22-bookworm" {
			t.Fatalf("unexpected base image %s", plan.BaseImage)
		}
		if plan.RuntimeImage == "" {
			t.Fatalf("expected a separate runtime stage for go")
		}
	})

	t.Run("python version file", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "requirements.txt", "flask\n")
		writeFile(t, dir, ".python-version", "3.11.4\n")
		plan, _ := Detect(dir, Hints{})
		if plan.BaseImage != "python:3.11-slim" {
			t.Fatalf("unexpected base image %s", plan.BaseImage)
		}
	})

	t.Run("default", func(t *testing.T) {
		plan, _ := Detect(t.TempDir(), Hints{})
		if plan.BaseImage != "node:20-bookworm-slim" {
			t.Fatalf("unexpected base image %s", plan.BaseImage)
		}
	})
}

func TestCommandPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"build":"tsc","start":"node dist/main.js"}}`)

	plan, _ := Detect(dir, Hints{})
	if plan.BuildCommand != "npm run build" {
		t.Fatalf("expected manifest build script, got %q", plan.BuildCommand)
	}
	if strings.Join(plan.StartCommand, " ") != "npm start" {
		t.Fatalf("expected manifest start script, got %v", plan.StartCommand)
	}

	plan, _ = Detect(dir, Hints{StartCommand: `node "dist/server main.js" --port 8080`, BuildCommand: "npm run compile"})
	want := []string{"node", "dist/server main.js", "--port", "8080"}
	if strings.Join(plan.StartCommand, "|") != strings.Join(want, "|") {
		t.Fatalf("expected split override %v, got %v", want, plan.StartCommand)
	}
	if plan.BuildScript != "npm run compile" {
		t.Fatalf("expected build override in script, got %q", plan.BuildScript)
	}

	plan, _ = Detect(dir, Hints{StartCommand: "migrate && node server.js"})
	if len(plan.StartCommand) != 3 || plan.StartCommand[0] != "sh" {
		t.Fatalf("expected shell wrapper for compound command, got %v", plan.StartCommand)
	}
}

func TestRecipeIsNonRootSinglePort(t *testing.T) {
	for _, files := range []map[string]string{
		{"package.json": `{}`},
		{"go.mod": "module x\n"},
		{"pom.xml": "<project/>"},
		{"Gemfile": ""},
		{"requirements.txt": ""},
	} {
		dir := t.TempDir()
		for name, content := range files {
			writeFile(t, dir, name, content)
		}
		plan, err := Detect(dir, Hints{Port: 8080})
		if err != nil {
			t.Fatalf("Detect error: %v", err)
		}
		if err := plan.Write(dir); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		dockerfile := readFile(t, filepath.Join(dir, "Dockerfile"))
		if strings.Count(dockerfile, "EXPOSE ") != 1 || !strings.Contains(dockerfile, "EXPOSE 8080\n") {
			t.Fatalf("%s: expected single EXPOSE 8080:\n%s", plan.Runtime, dockerfile)
		}
		if !strings.Contains(dockerfile, "USER 10001:10001") {
			t.Fatalf("%s: expected non-root user:\n%s", plan.Runtime, dockerfile)
		}
		if !strings.Contains(dockerfile, "CMD [") {
			t.Fatalf("%s: expected exec-form CMD:\n%s", plan.Runtime, dockerfile)
		}
	}
}

func TestRecipeSwitchesToAssignedUID(t *testing.T) {
	for _, files := range []map[string]string{
		{"package.json": `{"name":"app"}`},
		{"go.mod": "module x\n"},
	} {
		dir := t.TempDir()
		for name, content := range files {
			writeFile(t, dir, name, content)
		}
		plan, err := Detect(dir, Hints{RunUID: 23456})
		if err != nil {
			t.Fatalf("Detect error: %v", err)
		}
		if !strings.Contains(plan.Dockerfile, "--uid 23456 ") || !strings.Contains(plan.Dockerfile, "USER 23456:23456\n") {
			t.Fatalf("%s: expected uid 23456:\n%s", plan.Runtime, plan.Dockerfile)
		}
		if strings.Contains(plan.Dockerfile, "10001") {
			t.Fatalf("%s: default uid leaked into recipe:\n%s", plan.Runtime, plan.Dockerfile)
		}
	}
}

func TestWriteEmbedsBuildScript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"app"}`)

	plan, err := Detect(dir, Hints{BuildCommand: "npm run build\nnpm run postbuild"})
	if err != nil {
		t.Fatalf("Detect error: %v", err)
	}
	if err := plan.Write(dir); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	dockerfile := readFile(t, filepath.Join(dir, "Dockerfile"))
	if !strings.Contains(dockerfile, buildScriptPath) {
		t.Fatalf("expected build script reference in dockerfile")
	}
	script := readFile(t, filepath.Join(dir, buildScriptPath))
	if !strings.Contains(script, "npm run postbuild") {
		t.Fatalf("expected build command in embedded script")
	}
	if readFile(t, filepath.Join(dir, ".dockerignore")) == "" {
		t.Fatalf("expected dockerignore to be written")
	}
}

func TestCacheDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"dependencies":{"next":"14"}}`)
	plan, _ := Detect(dir, Hints{})
	if len(plan.CacheDirs) != 2 || plan.CacheDirs[0] != "node_modules" {
		t.Fatalf("unexpected cache dirs %v", plan.CacheDirs)
	}

	dir = t.TempDir()
	writeFile(t, dir, "go.mod", "module x\n")
	plan, _ = Detect(dir, Hints{})
	if len(plan.CacheDirs) != 0 {
		t.Fatalf("expected no cache dirs for go, got %v", plan.CacheDirs)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	return string(data)
}
