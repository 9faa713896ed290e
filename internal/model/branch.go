package model

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	branchFile         = "git-branch.txt"
	branchOverrideFile = "git-branch_override.txt"
)

// ResolveBranch returns the revision to check out. An explicit branch wins,
// then the override file, then the default file, then DefaultBranch.
func ResolveBranch(ctx context.Context, branch, dir string) string {
	if branch != "" {
		return branch
	}
	for _, name := range []string{branchOverrideFile, branchFile} {
		path := filepath.Join(dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.WarnContext(ctx, "can't read branch file", "path", path, "error", err)
			}
			continue
		}
		branch = strings.TrimSpace(string(b))
		if branch == "" {
			slog.WarnContext(ctx, "branch file is empty: ignoring", "path", path)
			continue
		}
		slog.InfoContext(ctx, "using git branch", "branch", branch, "path", path)
		return branch
	}
	slog.InfoContext(ctx, "no git branch file found: using default",
		"branch", DefaultBranch,
		"override", filepath.Join(dir, branchOverrideFile),
		"path", filepath.Join(dir, branchFile),
	)
	return DefaultBranch
}
