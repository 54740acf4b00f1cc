package gitops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/HAAIL-Universe/forgeguard/internal/config"
)

// Repo is a git repository under pipeline control.
type Repo struct {
	path   string
	repo   *git.Repository
	cfg    config.GitConfig
	auth   transport.AuthMethod
	logger *zap.Logger
}

// Option configures a Repo.
type Option func(*Repo)

// WithTokenAuth authenticates remote operations with a bearer token
// (GitHub-style basic auth).
func WithTokenAuth(token string) Option {
	return func(r *Repo) {
		if token != "" {
			r.auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
		}
	}
}

// Clone clones url into path.
func Clone(ctx context.Context, url, path string, cfg config.GitConfig, logger *zap.Logger, opts ...Option) (*Repo, error) {
	r := newRepo(path, cfg, logger, opts...)
	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:        url,
		RemoteName: cfg.Remote,
		Auth:       r.auth,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", url, err)
	}
	r.repo = repo
	return r, nil
}

// Open opens an existing repository at path.
func Open(path string, cfg config.GitConfig, logger *zap.Logger, opts ...Option) (*Repo, error) {
	r := newRepo(path, cfg, logger, opts...)
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", path, err)
	}
	r.repo = repo
	return r, nil
}

// Init initializes a new repository at path. Used by local-only runs
// and tests.
func Init(path string, cfg config.GitConfig, logger *zap.Logger, opts ...Option) (*Repo, error) {
	r := newRepo(path, cfg, logger, opts...)
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to init repository at %s: %w", path, err)
	}
	r.repo = repo
	return r, nil
}

func newRepo(path string, cfg config.GitConfig, logger *zap.Logger, opts ...Option) *Repo {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repo{path: path, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the working tree path.
func (r *Repo) Path() string {
	return r.path
}

// CreateBranch creates and checks out a branch at the current HEAD.
func (r *Repo) CreateBranch(name string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	}); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	return nil
}

// CurrentBranch returns the short name of the checked-out branch.
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("detached HEAD at %s", head.Hash())
	}
	return head.Name().Short(), nil
}

// AddAll stages every change in the working tree.
func (r *Repo) AddAll() error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	return nil
}

// Commit commits staged changes and returns the new SHA, or an empty
// string when nothing changed.
func (r *Repo) Commit(message string) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: r.signature(),
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return "", nil
		}
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// Push pushes the given branch to the configured remote. Raises on
// failure; the caller decides force-vs-abort.
func (r *Repo) Push(ctx context.Context, branch string) error {
	refspec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err := r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: r.cfg.Remote,
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Auth:       r.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push %s: %w", branch, err)
	}
	return nil
}

// ForcePush force-pushes the given branch. Used only after the operator
// confirms a forced push.
func (r *Repo) ForcePush(ctx context.Context, branch string) error {
	refspec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch))
	err := r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: r.cfg.Remote,
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Auth:       r.auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to force-push %s: %w", branch, err)
	}
	return nil
}

// PullRebase fetches the remote and fast-forwards the working tree onto
// the remote head. Errors when histories diverged; the caller decides
// what to do.
func (r *Repo) PullRebase(ctx context.Context, branch string) error {
	err := r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: r.cfg.Remote,
		Auth:       r.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch: %w", err)
	}

	remoteRef, err := r.repo.Reference(
		plumbing.NewRemoteReferenceName(r.cfg.Remote, branch), true)
	if err != nil {
		return fmt.Errorf("failed to resolve remote branch %s: %w", branch, err)
	}

	head, err := r.repo.Head()
	if err != nil {
		return fmt.Errorf("failed to read HEAD: %w", err)
	}
	if head.Hash() == remoteRef.Hash() {
		return nil
	}

	localCommit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("failed to read local commit: %w", err)
	}
	remoteCommit, err := r.repo.CommitObject(remoteRef.Hash())
	if err != nil {
		return fmt.Errorf("failed to read remote commit: %w", err)
	}

	ancestor, err := localCommit.IsAncestor(remoteCommit)
	if err != nil {
		return fmt.Errorf("failed to compare histories: %w", err)
	}
	if !ancestor {
		return fmt.Errorf("local branch %s diverged from remote", branch)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: remoteRef.Hash()}); err != nil {
		return fmt.Errorf("failed to fast-forward: %w", err)
	}
	return nil
}

// RemoteURL returns the configured remote's first URL.
func (r *Repo) RemoteURL() (string, error) {
	remote, err := r.repo.Remote(r.cfg.Remote)
	if err != nil {
		return "", fmt.Errorf("failed to look up remote %s: %w", r.cfg.Remote, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %s has no URL", r.cfg.Remote)
	}
	return urls[0], nil
}

// SetRemote replaces the configured remote's URL.
func (r *Repo) SetRemote(url string) error {
	_ = r.repo.DeleteRemote(r.cfg.Remote)
	_, err := r.repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: r.cfg.Remote,
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("failed to set remote: %w", err)
	}
	return nil
}

// SquashInto creates a single commit on target carrying the working
// branch's tree, moves target to it, and returns the new SHA. The
// working branch itself is left untouched.
func (r *Repo) SquashInto(workingBranch, target, message string) (string, error) {
	workRef, err := r.repo.Reference(plumbing.NewBranchReferenceName(workingBranch), true)
	if err != nil {
		return "", fmt.Errorf("failed to resolve branch %s: %w", workingBranch, err)
	}
	workCommit, err := r.repo.CommitObject(workRef.Hash())
	if err != nil {
		return "", fmt.Errorf("failed to read commit: %w", err)
	}

	var parents []plumbing.Hash
	targetRef, err := r.repo.Reference(plumbing.NewBranchReferenceName(target), true)
	if err == nil {
		parents = append(parents, targetRef.Hash())
	}

	sig := r.signature()
	squash := &object.Commit{
		Author:       *sig,
		Committer:    *sig,
		Message:      message,
		TreeHash:     workCommit.TreeHash,
		ParentHashes: parents,
	}

	obj := r.repo.Storer.NewEncodedObject()
	if err := squash.Encode(obj); err != nil {
		return "", fmt.Errorf("failed to encode squash commit: %w", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("failed to store squash commit: %w", err)
	}

	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(target), hash)
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return "", fmt.Errorf("failed to move branch %s: %w", target, err)
	}

	return hash.String(), nil
}

func (r *Repo) signature() *object.Signature {
	return &object.Signature{
		Name:  r.cfg.AuthorName,
		Email: r.cfg.AuthorEmail,
		When:  time.Now(),
	}
}
