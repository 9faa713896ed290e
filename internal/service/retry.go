package service

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"regexp"

	"github.com/CZERTAINLY/run-ansible-pull/internal/model"
)

// a broken local clone makes the git step fail, a fresh clone usually helps
var gitFailureRx = regexp.MustCompile(`^Failed to (checkout|download)\b`)

// gitFailure returns "checkout" or "download" when the sync step failed in
// a way a fresh clone may fix, otherwise an empty string.
func gitFailure(res model.RunResult) string {
	if res.Git == nil || res.Git.Success || res.Git.Msg == "" {
		return ""
	}
	m := gitFailureRx.FindStringSubmatch(res.Git.Msg)
	if m == nil {
		return ""
	}
	return m[1]
}

// retry decides whether the attempt is repeated. Only the first attempt is
// ever retried. When it is, the working directory is removed and a checkout
// failure resets the branch to the default one.
func retry(ctx context.Context, first bool, res model.RunResult, run *model.RunConfig) bool {
	if !first {
		return false
	}
	reason := gitFailure(res)
	if reason == "" {
		return false
	}

	if reason == "checkout" {
		slog.WarnContext(ctx, "failed to checkout branch, falling back to default", "branch", run.Branch, "default", model.DefaultBranch)
		run.Branch = model.DefaultBranch
	}

	if _, err := os.Stat(run.WorkDir); err == nil {
		slog.WarnContext(ctx, "removing working directory", "directory", run.WorkDir)
		if err := os.RemoveAll(run.WorkDir); err != nil {
			slog.ErrorContext(ctx, "removing working directory", "directory", run.WorkDir, "error", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		slog.WarnContext(ctx, "checking working directory", "directory", run.WorkDir, "error", err)
	}

	slog.WarnContext(ctx, "git "+reason+" failed, retrying", "msg", res.Git.Msg)
	return true
}
