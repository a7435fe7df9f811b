// Package gitvcs is gitstamp's narrow interface onto the `git` binary:
// reading tree/commit objects, writing the LTV files into the working
// tree, and reading/writing per-repository configuration. No example
// repo in the retrieval pack links a Go git implementation (no go-git),
// so gitstamp shells out the same way the teacher probes host
// capabilities in internal/evidence/integrity.go (exec.Command(...).Output()
// against sw_vers/uname/csrutil), generalized here to the single
// external collaborator this system actually needs: git itself.
package gitvcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Repo wraps a working tree for shelling out to git.
type Repo struct {
	Dir string // working tree root
}

// Open returns a Repo rooted at dir, verifying it is inside a git
// working tree.
func Open(ctx context.Context, dir string) (*Repo, error) {
	r := &Repo{Dir: dir}
	out, err := r.run(ctx, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return nil, fmt.Errorf("gitvcs: %s is not a git working tree: %w", dir, err)
	}
	if strings.TrimSpace(out) != "true" {
		return nil, fmt.Errorf("gitvcs: %s is not a git working tree", dir)
	}
	return r, nil
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// WriteTreeHash runs `git write-tree`, returning the hex tree object
// ID for the current index — the tree ID that goes into the digest
// preimage alongside the parent commit ID.
func (r *Repo) WriteTreeHash(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "write-tree")
	if err != nil {
		return "", fmt.Errorf("gitvcs: write-tree: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HeadCommit returns the hex commit ID of HEAD, or "" on an unborn
// branch (no parent commit).
func (r *Repo) HeadCommit(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		return "", nil // unborn branch: no error, just no parent
	}
	return strings.TrimSpace(out), nil
}

// AddPath stages path (relative to the working tree root) into the
// index — used after ltvstore's WriteChain or WriteCRLs changes a file
// under .timestampltv so the next write-tree picks it up.
func (r *Repo) AddPath(ctx context.Context, path string) error {
	_, err := r.run(ctx, "add", "--", path)
	if err != nil {
		return fmt.Errorf("gitvcs: add %s: %w", path, err)
	}
	return nil
}

// CommitTree runs `git commit-tree <tree> [-p <parent>] -m <message>`,
// writing a new commit object without touching the index or HEAD,
// returning its hex commit ID.
func (r *Repo) CommitTree(ctx context.Context, tree, parent, message string) (string, error) {
	args := []string{"commit-tree", tree}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	args = append(args, "-m", message)
	out, err := r.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("gitvcs: commit-tree: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// UpdateRef points ref (usually "HEAD" or "refs/heads/<branch>") at
// commit.
func (r *Repo) UpdateRef(ctx context.Context, ref, commit string) error {
	_, err := r.run(ctx, "update-ref", ref, commit)
	if err != nil {
		return fmt.Errorf("gitvcs: update-ref %s: %w", ref, err)
	}
	return nil
}

// DeleteRef removes ref entirely — used to soft-rewind past a
// repository's root commit, where there is no parent commit to point
// the branch tip back at instead.
func (r *Repo) DeleteRef(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "update-ref", "-d", ref)
	if err != nil {
		return fmt.Errorf("gitvcs: delete ref %s: %w", ref, err)
	}
	return nil
}

// Config reads a single git config value (e.g. "gitstamp.tsaurl"),
// returning "" if unset.
func (r *Repo) Config(ctx context.Context, key string) (string, error) {
	out, err := r.run(ctx, "config", "--get", key)
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(out), nil
}

// ConfigBool reads a boolean git config value, defaulting to def if
// unset or unparseable.
func (r *Repo) ConfigBool(ctx context.Context, key string, def bool) bool {
	v, err := r.Config(ctx, key)
	if err != nil || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// SetConfig writes a git config value in the repository's local config
// file.
func (r *Repo) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.run(ctx, "config", "--local", key, value)
	if err != nil {
		return fmt.Errorf("gitvcs: set config %s: %w", key, err)
	}
	return nil
}

// Parents returns the hex commit IDs of commit's parents, in order.
func (r *Repo) Parents(ctx context.Context, commit string) ([]string, error) {
	out, err := r.run(ctx, "rev-parse", commit+"^@")
	if err != nil {
		return nil, nil // root commit: no parents
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CommitMessage returns the full message body (subject + trailers) of
// commit.
func (r *Repo) CommitMessage(ctx context.Context, commit string) (string, error) {
	out, err := r.run(ctx, "log", "-1", "--format=%B", commit)
	if err != nil {
		return "", fmt.Errorf("gitvcs: commit message %s: %w", commit, err)
	}
	return out, nil
}

// Show returns the content of path as it exists in commit's tree, or a
// non-nil error if commit has no such path — used by ancestor sealing
// to recover an older LTV file that isn't in the current working tree.
func (r *Repo) Show(ctx context.Context, commit, path string) ([]byte, error) {
	out, err := r.run(ctx, "show", commit+":"+path)
	if err != nil {
		return nil, fmt.Errorf("gitvcs: show %s:%s: %w", commit, path, err)
	}
	return []byte(out), nil
}

// ResetIndex resets the index (not the working tree or HEAD) to
// commit's tree, discarding any `AddPath` staging done during an
// aborted seal attempt.
func (r *Repo) ResetIndex(ctx context.Context, commit string) error {
	if commit == "" {
		return nil
	}
	_, err := r.run(ctx, "read-tree", "--reset", commit)
	if err != nil {
		return fmt.Errorf("gitvcs: reset index to %s: %w", commit, err)
	}
	return nil
}

// RevParse resolves ref (a branch, tag, or commit-ish) to its hex
// commit ID.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--verify", "--quiet", ref)
	if err != nil {
		return "", fmt.Errorf("gitvcs: resolve %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// TreeOf returns the hex tree object ID recorded in commit's own
// commit object (not a recomputation from the working tree) — the
// validator walker needs the tree exactly as it was at commit time.
func (r *Repo) TreeOf(ctx context.Context, commit string) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--verify", "--quiet", commit+"^{tree}")
	if err != nil {
		return "", fmt.Errorf("gitvcs: tree of %s: %w", commit, err)
	}
	return strings.TrimSpace(out), nil
}

// Fsck runs `git fsck` as the validator walker's repository integrity
// check, returning a non-nil error on any reported corruption.
func (r *Repo) Fsck(ctx context.Context) error {
	if _, err := r.run(ctx, "fsck", "--no-dangling"); err != nil {
		return fmt.Errorf("gitvcs: fsck: %w", err)
	}
	return nil
}

// ObjectFormat returns the repository's declared object-hash algorithm
// ("sha1" or "sha256"), from `git rev-parse --show-object-format`.
// Older git binaries that predate the SHA-256 repository format don't
// support the flag; callers should treat an error here as "sha1", the
// only format such a git could have created.
func (r *Repo) ObjectFormat(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--show-object-format")
	if err != nil {
		return "", fmt.Errorf("gitvcs: show-object-format: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// GitDir returns the absolute path of the repository's .git directory
// (or the common directory, for a worktree), where gitstamp stores
// operator-level state outside the tracked tree.
func (r *Repo) GitDir(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("gitvcs: git-common-dir: %w", err)
	}
	return strings.TrimSpace(out), nil
}
