package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/splax/localvercel/internal/buildcache"
	"github.com/splax/localvercel/internal/buildpack"
	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/git"
	"github.com/splax/localvercel/internal/storage"
	"github.com/splax/localvercel/internal/workspace"
)

// DefaultTimeout bounds a single image build.
const DefaultTimeout = 15 * time.Minute

// ErrBranchNotFound is returned when the requested branch does not exist on the remote.
var ErrBranchNotFound = git.ErrBranchNotFound

// Stage names as they appear in logs and errors.
const (
	StageValidate = "validate"
	StageClone    = "clone"
	StagePlan     = "plan"
	StageCache    = "cache"
	StageBuild    = "build"
	StagePush     = "push"
	StageUpload   = "upload"
)

// StageError ties a pipeline failure to the stage that produced it.
type StageError struct {
	Stage string
	Err   error
	// Tail holds the last build output lines when the image build failed.
	Tail []string
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Images is the part of the container runtime the pipeline drives.
type Images interface {
	Build(ctx context.Context, spec container.BuildSpec) error
	Tag(ctx context.Context, source, target string) error
	Push(ctx context.Context, image string) error
	Save(ctx context.Context, image, dest string) error
	RemoveImage(ctx context.Context, image string) error
	CopyFromImage(ctx context.Context, image, src, dest string) error
}

// Source fetches repositories.
type Source interface {
	Validate(ctx context.Context, repoURL, branch string, creds git.Credentials) error
	Clone(ctx context.Context, repoURL, branch, dest string, creds git.Credentials, progress io.Writer) error
}

type gitSource struct{}

func (gitSource) Validate(ctx context.Context, repoURL, branch string, creds git.Credentials) error {
	return git.Validate(ctx, repoURL, branch, creds)
}

func (gitSource) Clone(ctx context.Context, repoURL, branch, dest string, creds git.Credentials, progress io.Writer) error {
	return git.Clone(ctx, repoURL, branch, dest, creds, progress)
}

// Config tunes the pipeline.
type Config struct {
	// Namespace prefixes local image repositories.
	Namespace    string
	PushRegistry string
	Timeout      time.Duration
	GitTimeout   time.Duration
	UploadSlugs  bool
}

// Deps are the collaborators the pipeline needs. Store and Cache are optional.
type Deps struct {
	Images    Images
	Source    Source
	Workspace *workspace.Manager
	Store     storage.Store
	Cache     *buildcache.Cache
}

// Request describes one build.
type Request struct {
	TaskID      string
	AppID       string
	RepoURL     string
	Branch      string
	Credentials git.Credentials
	Hints       buildpack.Hints
	UseCache    bool
	// Log receives one line per stage event and every build output line.
	Log func(stage, line string)
}

// Result describes a successful build.
type Result struct {
	Image         string
	LocalTag      string
	Pushed        bool
	Plan          buildpack.Plan
	SlugKey       string
	CacheRestored bool
	CacheSaved    bool
	Duration      time.Duration
}

// Pipeline turns a repository into an image.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates a Pipeline. A nil Source selects go-git.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Pipeline, error) {
	if deps.Images == nil {
		return nil, fmt.Errorf("build pipeline requires an image builder")
	}
	if deps.Workspace == nil {
		return nil, fmt.Errorf("build pipeline requires a workspace manager")
	}
	if deps.Source == nil {
		deps.Source = gitSource{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.GitTimeout <= 0 {
		cfg.GitTimeout = 2 * time.Minute
	}
	if strings.TrimSpace(cfg.Namespace) == "" {
		cfg.Namespace = "paas"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger}, nil
}

var invalidRepoChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// LocalTag is the image reference a build of appID for taskID produces.
func (p *Pipeline) LocalTag(appID, taskID string) string {
	repo := invalidRepoChars.ReplaceAllString(strings.ToLower(appID), "-")
	repo = strings.Trim(repo, "-.")
	if repo == "" {
		repo = "app"
	}
	version := invalidRepoChars.ReplaceAllString(strings.ToLower(taskID), "-")
	if len(version) > 64 {
		version = version[:64]
	}
	if version == "" {
		version = "latest"
	}
	return strings.TrimSuffix(p.cfg.Namespace, "/") + "/" + repo + ":" + version
}

// Run executes every stage in order. Any returned error is a *StageError and
// no image reference survives it.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	log := func(stage, line string) {
		if req.Log != nil {
			req.Log(stage, line)
		}
	}
	logger := p.logger.With("task_id", req.TaskID, "app_id", req.AppID)
	if strings.TrimSpace(req.TaskID) == "" || strings.TrimSpace(req.AppID) == "" {
		return Result{}, &StageError{Stage: StageValidate, Err: errors.New("task and application ids are required")}
	}

	log(StageValidate, "checking repository "+git.Redact(req.RepoURL)+" branch "+req.Branch)
	gitCtx, cancel := context.WithTimeout(ctx, p.cfg.GitTimeout)
	err := p.deps.Source.Validate(gitCtx, req.RepoURL, req.Branch, req.Credentials)
	cancel()
	if err != nil {
		return Result{}, &StageError{Stage: StageValidate, Err: err}
	}

	dir, err := p.deps.Workspace.Prepare(req.TaskID)
	if err != nil {
		return Result{}, &StageError{Stage: StageClone, Err: err}
	}
	defer func() {
		if err := p.deps.Workspace.CleanupByID(req.TaskID); err != nil {
			logger.Error("workspace cleanup failed", "error", err)
		}
	}()

	log(StageClone, "cloning repository")
	gitCtx, cancel = context.WithTimeout(ctx, p.cfg.GitTimeout)
	err = p.deps.Source.Clone(gitCtx, req.RepoURL, req.Branch, dir, req.Credentials, nil)
	cancel()
	if err != nil {
		return Result{}, &StageError{Stage: StageClone, Err: err}
	}
	log(StageClone, "repository cloned")

	plan, err := buildpack.Detect(dir, req.Hints)
	if err != nil {
		return Result{}, &StageError{Stage: StagePlan, Err: err}
	}
	if err := plan.Write(dir); err != nil {
		return Result{}, &StageError{Stage: StagePlan, Err: err}
	}
	if plan.Passthrough {
		log(StagePlan, "using repository Dockerfile")
	} else {
		log(StagePlan, fmt.Sprintf("detected %s runtime, base image %s", plan.Runtime, plan.BaseImage))
	}

	result := Result{Plan: plan, LocalTag: p.LocalTag(req.AppID, req.TaskID)}
	cacheKey := ""
	if req.UseCache && p.deps.Cache != nil && len(plan.CacheDirs) > 0 {
		cacheKey = buildcache.Key(req.AppID, plan.Runtime, plan.BaseImage)
		hit, err := p.deps.Cache.Restore(ctx, cacheKey, dir)
		switch {
		case err != nil:
			logger.Warn("build cache restore failed", "error", err)
			log(StageCache, "cache restore failed: "+err.Error())
		case hit:
			result.CacheRestored = true
			log(StageCache, "restored build cache")
		default:
			log(StageCache, "no build cache entry")
		}
	}

	log(StageBuild, "building image "+result.LocalTag)
	aggregator := newLogAggregator(func(line string) { log(StageBuild, line) })
	buildErr := p.deps.Images.Build(ctx, container.BuildSpec{
		Dir:     dir,
		Tag:     result.LocalTag,
		Labels:  map[string]string{"paas.app": req.AppID, "paas.task": req.TaskID},
		Timeout: p.cfg.Timeout,
		OnLine: func(line string) {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				aggregator.Add(trimmed)
			}
		},
	})
	aggregator.Flush()
	if buildErr != nil {
		if err := p.deps.Images.RemoveImage(context.Background(), result.LocalTag); err != nil {
			logger.Warn("remove partial image failed", "image", result.LocalTag, "error", err)
		}
		return Result{}, &StageError{Stage: StageBuild, Err: buildErr, Tail: aggregator.Snapshot(40)}
	}
	log(StageBuild, "image built")
	result.Image = result.LocalTag

	if cacheKey != "" {
		result.CacheSaved = p.saveCache(ctx, req, cacheKey, result.LocalTag, plan.CacheDirs, log, logger)
	}

	if registry := strings.TrimSuffix(strings.TrimSpace(p.cfg.PushRegistry), "/"); registry != "" {
		remote := registry + "/" + strings.TrimPrefix(result.LocalTag, strings.TrimSuffix(p.cfg.Namespace, "/")+"/")
		if err := p.push(ctx, result.LocalTag, remote); err != nil {
			logger.Warn("registry push failed, keeping local tag", "image", remote, "error", err)
			log(StagePush, "push failed, using local image: "+err.Error())
		} else {
			result.Image = remote
			result.Pushed = true
			log(StagePush, "pushed "+remote)
		}
	}

	if p.cfg.UploadSlugs && p.deps.Store != nil {
		key, err := p.uploadSlug(ctx, req, result.LocalTag)
		if err != nil {
			logger.Warn("slug upload failed", "error", err)
			log(StageUpload, "slug upload failed: "+err.Error())
		} else {
			result.SlugKey = key
			log(StageUpload, "uploaded slug "+key)
		}
	}

	result.Duration = time.Since(started)
	return result, nil
}

func (p *Pipeline) push(ctx context.Context, local, remote string) error {
	if err := p.deps.Images.Tag(ctx, local, remote); err != nil {
		return err
	}
	return p.deps.Images.Push(ctx, remote)
}

func (p *Pipeline) saveCache(ctx context.Context, req Request, key, image string, dirs []string, log func(string, string), logger *slog.Logger) bool {
	scratch, err := p.deps.Workspace.Scratch(req.TaskID)
	if err != nil {
		logger.Warn("prepare cache scratch failed", "error", err)
		return false
	}
	for _, dir := range dirs {
		dest := filepath.Join(scratch, filepath.FromSlash(dir))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			logger.Warn("prepare cache dir failed", "dir", dir, "error", err)
			continue
		}
		if err := p.deps.Images.CopyFromImage(ctx, image, "/app/"+dir, dest); err != nil {
			logger.Debug("cache dir not extracted", "dir", dir, "error", err)
		}
	}
	saved, size, err := p.deps.Cache.Save(ctx, key, scratch, dirs)
	switch {
	case err != nil:
		logger.Warn("build cache save failed", "error", err)
		log(StageCache, "cache save failed: "+err.Error())
	case saved:
		log(StageCache, fmt.Sprintf("saved build cache (%d bytes)", size))
	case size > 0:
		log(StageCache, fmt.Sprintf("build cache of %d bytes exceeds ceiling, not saved", size))
	}
	return saved
}

func (p *Pipeline) uploadSlug(ctx context.Context, req Request, image string) (string, error) {
	scratch, err := p.deps.Workspace.Scratch(req.TaskID)
	if err != nil {
		return "", err
	}
	archive := filepath.Join(scratch, "slug.tar")
	if err := p.deps.Images.Save(ctx, image, archive); err != nil {
		return "", err
	}
	f, err := os.Open(archive)
	if err != nil {
		return "", fmt.Errorf("open slug: %w", err)
	}
	defer f.Close()
	key := "slugs/" + req.AppID + "/" + req.TaskID + ".tar"
	if err := p.deps.Store.Put(ctx, key, f); err != nil {
		return "", err
	}
	return key, nil
}
