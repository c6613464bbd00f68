package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/quotes-crawler/internal/config"
	"github.com/JakeFAU/quotes-crawler/internal/pipeline"
)

type fakeRunner struct {
	report pipeline.Report
	runErr error
	closed bool
}

func (f *fakeRunner) RunID() string { return f.report.RunID }

func (f *fakeRunner) Run(context.Context) (pipeline.Report, error) {
	return f.report, f.runErr
}

func (f *fakeRunner) Close(context.Context) error {
	f.closed = true
	return nil
}

// stubApp swaps the application factory for the duration of a test.
func stubApp(t *testing.T, runner *fakeRunner, buildErr error) *config.Config {
	t.Helper()
	var seen config.Config
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config) (Runner, error) {
		seen = cfg
		if buildErr != nil {
			return nil, buildErr
		}
		return runner, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &seen
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var stderr bytes.Buffer
	root.SetErr(&stderr)
	root.SetOut(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stderr.String(), err
}

func TestCrawlAppliesFlagOverrides(t *testing.T) {
	runner := &fakeRunner{report: pipeline.Report{RunID: "run-1", Pages: 3, Succeeded: 3, Records: 30}}
	seen := stubApp(t, runner, nil)

	out, err := execute(t, "crawl", "--first", "2", "--last", "4", "--capacity", "3", "--format", "json", "--strict")
	require.NoError(t, err)
	require.Equal(t, 2, seen.Site.FirstPage)
	require.Equal(t, 4, seen.Site.LastPage)
	require.Equal(t, 3, seen.Pool.Capacity)
	require.Equal(t, config.FormatJSON, seen.Output.Format)
	require.True(t, seen.Extract.Strict)
	require.True(t, runner.closed)
	require.Contains(t, out, "run run-1: 3 pages, 3 succeeded, 0 failed, 30 records")
}

func TestCrawlKeepsConfigWithoutFlags(t *testing.T) {
	seen := stubApp(t, &fakeRunner{}, nil)

	_, err := execute(t, "crawl")
	require.NoError(t, err)
	require.Equal(t, 1, seen.Site.FirstPage)
	require.Equal(t, 19, seen.Site.LastPage)
	require.Equal(t, 16, seen.Pool.Capacity)
	require.Equal(t, config.FormatDebug, seen.Output.Format)
}

func TestCrawlRejectsInvalidRange(t *testing.T) {
	stubApp(t, &fakeRunner{}, nil)

	_, err := execute(t, "crawl", "--first", "5", "--last", "2")
	require.ErrorContains(t, err, "site.last_page")
}

func TestCrawlReturnsRunError(t *testing.T) {
	runner := &fakeRunner{runErr: errors.New("consume record from page 2: disk full")}
	stubApp(t, runner, nil)

	_, err := execute(t, "crawl")
	require.ErrorContains(t, err, "disk full")
	require.True(t, runner.closed)
}

func TestCrawlReturnsBuildError(t *testing.T) {
	stubApp(t, nil, errors.New("connect postgres: refused"))

	_, err := execute(t, "crawl")
	require.ErrorContains(t, err, "failed to initialize application services")
}

func TestRootRejectsMissingConfigFile(t *testing.T) {
	stubApp(t, &fakeRunner{}, nil)

	_, err := execute(t, "--config", t.TempDir()+"/missing.yaml", "crawl")
	require.ErrorContains(t, err, "load config")
}

func TestExecuteReturnsError(t *testing.T) {
	stubApp(t, nil, errors.New("connect postgres: refused"))

	err := Execute(context.Background(), []string{"crawl"})
	require.ErrorContains(t, err, "connect postgres: refused")
}
