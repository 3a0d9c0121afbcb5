// Package paths resolves the host directories a pipeline reads its
// sources from.
package paths

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fixentropy-io/daggerverse/pkg/failure"
)

var (
	ErrNoPackage     = fmt.Errorf("%w: no package.json found", failure.ErrConfiguration)
	ErrNoRepo        = errors.New("not inside a git repository")
	ErrOutsideBounds = errors.New("path is outside of the search root")

	errNotFound = errors.New("not found")
)

// FindPackageRoot returns the closest directory at or above path that
// holds a package.json file. The search stops at the enclosing git
// repository root, or at the filesystem root outside a repository.
func FindPackageRoot(path string) (string, error) {
	bound, err := FindRepoRoot(path)
	if errors.Is(err, ErrNoRepo) {
		bound = string(filepath.Separator)
	} else if err != nil {
		return "", err
	}

	dir, err := findClosest(bound, path, func(dir string) bool {
		fi, err := os.Stat(filepath.Join(dir, "package.json"))

		return err == nil && fi.Mode().IsRegular()
	})
	if errors.Is(err, errNotFound) {
		return "", fmt.Errorf("%w in or above %s", ErrNoPackage, path)
	}

	return dir, err
}

// FindRepoRoot returns the innermost git repository root containing path,
// like git rev-parse --show-toplevel. Worktrees, whose .git is a file
// pointing at the real git directory, are recognized.
func FindRepoRoot(path string) (string, error) {
	dir, err := findClosest(string(filepath.Separator), path, func(dir string) bool {
		dotGit := filepath.Join(dir, ".git")

		fi, err := os.Lstat(dotGit)
		if err != nil {
			return false
		}

		gitDir := dotGit
		if !fi.IsDir() {
			gitDir, err = readGitFile(dotGit, dir)
			if err != nil {
				return false
			}
		}

		head, err := os.Lstat(filepath.Join(gitDir, "HEAD"))

		return err == nil && !head.IsDir()
	})
	if errors.Is(err, errNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNoRepo, path)
	}

	return dir, err
}

// readGitFile resolves the "gitdir: <path>" line of a worktree .git file.
// Relative paths are resolved against baseDir.
func readGitFile(dotGit, baseDir string) (string, error) {
	f, err := os.Open(dotGit) //nolint:gosec // built with filepath.Join
	if err != nil {
		return "", fmt.Errorf("open git file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read only

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", errors.New("empty git file")
	}

	gitDir, found := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "gitdir: ")
	if !found {
		return "", errors.New("missing gitdir prefix")
	}

	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(baseDir, gitDir)
	}

	return filepath.Clean(gitDir), nil
}

// findClosest walks from path up to root and returns the first directory
// matching test.
func findClosest(root, path string, test func(string) bool) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("get absolute path: %w", err)
	}

	dir, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("get absolute path: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideBounds, dir)
	}

	for {
		if test(dir) {
			return dir, nil
		}

		if dir == rootAbs {
			return "", errNotFound
		}

		dir = filepath.Dir(dir)
	}
}
