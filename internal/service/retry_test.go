package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/run-ansible-pull/internal/model"
	"github.com/stretchr/testify/require"
)

func TestGitFailure(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    *model.GitResult
		then     string
	}{
		{scenario: "no git result", given: nil, then: ""},
		{scenario: "success", given: &model.GitResult{Success: true, Msg: "Failed to checkout x"}, then: ""},
		{scenario: "no message", given: &model.GitResult{}, then: ""},
		{scenario: "checkout", given: &model.GitResult{Msg: `Failed to checkout revision 'x'\nerror`}, then: "checkout"},
		{scenario: "download", given: &model.GitResult{Msg: "Failed to download remote objects and refs"}, then: "download"},
		{scenario: "not at start", given: &model.GitResult{Msg: "git: Failed to checkout"}, then: ""},
		{scenario: "word boundary", given: &model.GitResult{Msg: "Failed to checkouts"}, then: ""},
		{scenario: "other failure", given: &model.GitResult{Msg: "Failed to init a repository"}, then: ""},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.Equal(t, tc.then, gitFailure(model.RunResult{Git: tc.given}))
		})
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	checkout := model.RunResult{Git: &model.GitResult{Msg: "Failed to checkout revision 'feature'"}}
	download := model.RunResult{Git: &model.GitResult{Msg: "Failed to download remote objects and refs"}}

	newRun := func(t *testing.T) model.RunConfig {
		dir := filepath.Join(t.TempDir(), "local")
		require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
		return model.RunConfig{WorkDir: dir, Branch: "feature"}
	}

	t.Run("checkout", func(t *testing.T) {
		run := newRun(t)
		require.True(t, retry(ctx, true, checkout, &run))
		require.Equal(t, model.DefaultBranch, run.Branch)
		require.NoDirExists(t, run.WorkDir)
	})
	t.Run("download keeps branch", func(t *testing.T) {
		run := newRun(t)
		require.True(t, retry(ctx, true, download, &run))
		require.Equal(t, "feature", run.Branch)
		require.NoDirExists(t, run.WorkDir)
	})
	t.Run("missing work dir", func(t *testing.T) {
		run := model.RunConfig{WorkDir: filepath.Join(t.TempDir(), "missing"), Branch: "feature"}
		require.True(t, retry(ctx, true, checkout, &run))
	})
	t.Run("second attempt", func(t *testing.T) {
		run := newRun(t)
		require.False(t, retry(ctx, false, checkout, &run))
		require.Equal(t, "feature", run.Branch)
		require.DirExists(t, run.WorkDir)
	})
	t.Run("no git failure", func(t *testing.T) {
		run := newRun(t)
		require.False(t, retry(ctx, true, model.RunResult{}, &run))
		require.DirExists(t, run.WorkDir)
	})
}
