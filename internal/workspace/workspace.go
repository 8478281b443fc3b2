// Package workspace resolves repository and environment identifiers to
// filesystem paths and executables. Version-control synchronization itself is
// out of scope: the resolvers only locate code that something else has already
// checked out.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// RepoResolver resolves a repository id and branch to a checked-out path.
type RepoResolver interface {
	Resolve(ctx context.Context, repositoryID, branch string) (string, error)
}

// Env describes the test-runner executable for an environment.
type Env struct {
	Executable string
	Args       []string
}

// EnvResolver resolves an environment id to the executable that runs tests.
// An empty environment id resolves to the default executable.
type EnvResolver interface {
	Resolve(ctx context.Context, environmentID string) (Env, error)
}

// DirResolver maps repository ids to directories under a workspace root,
// laid out as <root>/<repository_id>/<branch>.
type DirResolver struct {
	Root string
}

// Resolve returns the workspace directory for the repository and branch.
// The directory must already exist; a missing checkout is an error, not
// something the execution engine repairs.
func (r *DirResolver) Resolve(_ context.Context, repositoryID, branch string) (string, error) {
	if repositoryID == "" {
		return "", fmt.Errorf("repository id is required")
	}
	if branch == "" {
		branch = "main"
	}
	dir := filepath.Join(r.Root, repositoryID, branch)
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("workspace for %s@%s: %w", repositoryID, branch, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace for %s@%s: %s is not a directory", repositoryID, branch, dir)
	}
	return dir, nil
}

// StaticEnvResolver returns a fixed executable for every environment.
// Installations with per-environment interpreters replace this with a
// database-backed resolver.
type StaticEnvResolver struct {
	Default Env
}

// Resolve returns the configured default executable.
func (r *StaticEnvResolver) Resolve(_ context.Context, _ string) (Env, error) {
	if r.Default.Executable == "" {
		return Env{}, fmt.Errorf("no default test executable configured")
	}
	return r.Default, nil
}
