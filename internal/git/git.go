package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

// ErrBranchNotFound indicates the remote has no branch with the requested name.
var ErrBranchNotFound = errors.New("git: branch not found")

// Credentials authenticate against HTTP(S) remotes.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`
}

func (c Credentials) auth(repoURL string) transport.AuthMethod {
	if strings.TrimSpace(c.Token) == "" {
		return nil
	}
	parsed, err := url.Parse(repoURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil
	}
	user := strings.TrimSpace(c.Username)
	if user == "" {
		user = "x-access-token"
	}
	return &githttp.BasicAuth{Username: user, Password: c.Token}
}

// Validate confirms the remote is reachable and carries the branch.
func Validate(ctx context.Context, repoURL, branch string, creds Credentials) error {
	if strings.TrimSpace(repoURL) == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	remote := gogit.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})
	refs, err := remote.ListContext(ctx, &gogit.ListOptions{Auth: creds.auth(repoURL)})
	if err != nil {
		return fmt.Errorf("list remote %s: %w", Redact(repoURL), err)
	}
	if !hasBranch(refs, branch) {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	return nil
}

func hasBranch(refs []*plumbing.Reference, branch string) bool {
	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return true
		}
	}
	return false
}

// Clone performs a shallow single-branch clone into dest.
func Clone(ctx context.Context, repoURL, branch, dest string, creds Credentials, progress io.Writer) error {
	if strings.TrimSpace(repoURL) == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if strings.TrimSpace(dest) == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	opts := &gogit.CloneOptions{
		URL:          repoURL,
		Auth:         creds.auth(repoURL),
		SingleBranch: true,
		Depth:        1,
		Progress:     progress,
		Tags:         gogit.NoTags,
	}
	if strings.TrimSpace(branch) != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	if _, err := gogit.PlainCloneContext(ctx, dest, false, opts); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
		}
		return fmt.Errorf("git clone %s: %w", Redact(repoURL), err)
	}
	return nil
}

// Redact strips user info from a repository URL for logging.
func Redact(repoURL string) string {
	parsed, err := url.Parse(repoURL)
	if err != nil || parsed.User == nil {
		return repoURL
	}
	parsed.User = nil
	return parsed.String()
}
