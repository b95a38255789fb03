package buildpack

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

func itoa(v int) string {
	return strconv.Itoa(v)
}

func render(plan Plan) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	if plan.RuntimeImage != "" {
		renderStaged(&b, plan)
	} else {
		renderSingle(&b, plan)
	}
	return b.String()
}

// renderSingle builds and runs in the same image.
func renderSingle(b *strings.Builder, plan Plan) {
	b.WriteString("FROM " + plan.BaseImage + "\n")
	b.WriteString("WORKDIR /app\n\n")
	b.WriteString("COPY . ./\n")
	writeBuildSteps(b, plan)
	switch plan.Runtime {
	case RuntimeNode, RuntimeNext:
		b.WriteString("ENV NODE_ENV=production\n")
		if plan.Runtime == RuntimeNext {
			b.WriteString("ENV NEXT_TELEMETRY_DISABLED=1\n")
		}
	case RuntimePython:
		b.WriteString("ENV PYTHONUNBUFFERED=1\n")
	}
	writeRunUser(b, plan.RunUID)
	writeFooter(b, plan)
}

// renderStaged compiles in the base image and ships only the artifact.
func renderStaged(b *strings.Builder, plan Plan) {
	b.WriteString("FROM " + plan.BaseImage + " AS builder\n")
	b.WriteString("WORKDIR /src\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("RUN mkdir -p /out\n")
	writeBuildSteps(b, plan)
	b.WriteString("\nFROM " + plan.RuntimeImage + "\n")
	b.WriteString("WORKDIR /app\n")
	switch plan.Runtime {
	case RuntimeGo:
		b.WriteString("RUN apt-get update && apt-get install -y --no-install-recommends ca-certificates && rm -rf /var/lib/apt/lists/*\n")
		b.WriteString("COPY --from=builder /out/app /app/app\n")
	case RuntimeJava:
		b.WriteString("COPY --from=builder /out/app.jar /app/app.jar\n")
	}
	writeRunUser(b, plan.RunUID)
	writeFooter(b, plan)
}

func writeBuildSteps(b *strings.Builder, plan Plan) {
	if plan.InstallCommand != "" {
		b.WriteString("RUN " + plan.InstallCommand + "\n")
	}
	if plan.BuildScript != "" {
		b.WriteString("RUN sh " + buildScriptPath + " && rm -f " + buildScriptPath + "\n")
	} else if plan.BuildCommand != "" {
		b.WriteString("RUN " + plan.BuildCommand + "\n")
	}
}

func writeRunUser(b *strings.Builder, runUID int) {
	uid := itoa(runUID)
	b.WriteString("RUN groupadd --system --gid " + uid + " app && \\\n")
	b.WriteString("  useradd --system --uid " + uid + " --gid app --home-dir /app --no-create-home app && \\\n")
	b.WriteString("  chown -R app:app /app\n")
	b.WriteString("USER " + uid + ":" + uid + "\n")
}

func writeFooter(b *strings.Builder, plan Plan) {
	port := itoa(plan.Port)
	b.WriteString("ENV PORT=" + port + "\n")
	b.WriteString("EXPOSE " + port + "\n")
	if len(plan.StartCommand) > 0 {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(plan.StartCommand)
		b.WriteString("CMD " + buf.String())
	}
}
