package metadata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// Sentinel errors for git synchronization.
var (
	// ErrSSHKeyPermissions indicates the configured key file's permission bits
	// are not exactly 0600 (spec §4.H "SSH key path validated for mode 0600").
	ErrSSHKeyPermissions = errors.New("metadata: ssh key file must be mode 0600")
	// ErrSSHKeyInvalid indicates the key file's contents do not parse as a
	// private key.
	ErrSSHKeyInvalid = errors.New("metadata: ssh key file is not a valid private key")
	// ErrGitCommandFailed wraps a non-zero exit from the git binary.
	ErrGitCommandFailed = errors.New("metadata: git command failed")
)

const (
	// cloneDepth bounds history fetched on the initial clone (spec §4.H,
	// "shallow depth 50" — deep enough to diff recent history without ever
	// pulling a project's full commit log).
	cloneDepth = 50
)

// GitSync clones or pulls one repository over SSH into a local working
// directory, validating the configured deploy key before every operation.
type GitSync struct {
	repoURL    string
	branch     string
	sshKeyPath string
	workDir    string
}

// NewGitSync builds a GitSync. workDir is created if it does not exist.
func NewGitSync(repoURL, branch, sshKeyPath, workDir string) *GitSync {
	return &GitSync{
		repoURL:    repoURL,
		branch:     branch,
		sshKeyPath: sshKeyPath,
		workDir:    workDir,
	}
}

// ValidateSSHKey checks the configured key file's permissions and parses its
// contents as a private key, per spec §4.H.
func (g *GitSync) ValidateSSHKey() error {
	info, err := os.Stat(g.sshKeyPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSSHKeyInvalid, err)
	}

	if info.Mode().Perm() != 0o600 {
		return fmt.Errorf("%w: %s has mode %o", ErrSSHKeyPermissions, g.sshKeyPath, info.Mode().Perm())
	}

	contents, err := os.ReadFile(g.sshKeyPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSSHKeyInvalid, err)
	}

	if _, err := ssh.ParseRawPrivateKey(contents); err != nil {
		return fmt.Errorf("%w: %w", ErrSSHKeyInvalid, err)
	}

	return nil
}

// Sync clones the repository on first use, or fetches and hard-resets to
// origin/<branch> on subsequent calls, and returns the local checkout path.
// Uses the system git binary (spec's retrieval pack carries no Go-native git
// client any example repo imports; shelling out to git is the standard
// approach for shallow-clone-and-pull workflows).
func (g *GitSync) Sync(ctx context.Context) (string, error) {
	if err := g.ValidateSSHKey(); err != nil {
		return "", err
	}

	if _, err := os.Stat(filepath.Join(g.workDir, ".git")); errors.Is(err, os.ErrNotExist) {
		if err := g.clone(ctx); err != nil {
			return "", err
		}

		return g.workDir, nil
	}

	if err := g.pull(ctx); err != nil {
		return "", err
	}

	return g.workDir, nil
}

func (g *GitSync) clone(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(g.workDir), 0o755); err != nil {
		return fmt.Errorf("metadata: create git work dir: %w", err)
	}

	return g.run(ctx, "",
		"clone", "--depth", fmt.Sprintf("%d", cloneDepth), "--branch", g.branch, g.repoURL, g.workDir)
}

func (g *GitSync) pull(ctx context.Context) error {
	if err := g.run(ctx, g.workDir, "fetch", "--depth", fmt.Sprintf("%d", cloneDepth), "origin", g.branch); err != nil {
		return err
	}

	return g.run(ctx, g.workDir, "reset", "--hard", "origin/"+g.branch)
}

func (g *GitSync) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_SSH_COMMAND=ssh -i "+g.sshKeyPath+" -o StrictHostKeyChecking=accept-new -o IdentitiesOnly=yes",
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: git %v: %w: %s", ErrGitCommandFailed, args, err, string(output))
	}

	return nil
}
