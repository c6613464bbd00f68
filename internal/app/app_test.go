package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/quotes-crawler/internal/config"
	"github.com/JakeFAU/quotes-crawler/internal/crawler"
	memorypublisher "github.com/JakeFAU/quotes-crawler/internal/publisher/memory"
	"github.com/JakeFAU/quotes-crawler/internal/storage/memory"
)

func quoteMarkup(text, author string, tags ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<div class="quote"><span class="text">%s</span><small class="author">%s</small>`, text, author)
	for _, tag := range tags {
		fmt.Fprintf(&b, `<a class="tag">%s</a>`, tag)
	}
	b.WriteString(`</div>`)
	return b.String()
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/page/1/": quoteMarkup("“First.”", "Ada Lovelace", "math") + quoteMarkup("“Second.”", "Alan Turing"),
		"/page/2/": quoteMarkup("“Third.”", "Grace Hopper", "navy", "cobol"),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html><body>"+body+"</body></html>")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func baseConfig(t *testing.T, siteURL string) config.Config {
	t.Helper()
	return config.Config{
		Site: config.SiteConfig{
			BaseURL:      siteURL + "/",
			PathTemplate: "page/%d/",
			FirstPage:    1,
			LastPage:     2,
		},
		Pool: config.PoolConfig{Capacity: 2},
		HTTP: config.HTTPConfig{TimeoutSeconds: 5, Burst: 1},
		Extract: config.ExtractConfig{
			Container: ".quote",
			Text:      ".text",
			Author:    ".author",
			Tag:       ".tag",
		},
		Output:  config.OutputConfig{Format: config.FormatJSON},
		Archive: config.ArchiveConfig{Prefix: "pages"},
	}
}

func decodeLines(t *testing.T, out *bytes.Buffer) []crawler.Record {
	t.Helper()
	var records []crawler.Record
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var r crawler.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		records = append(records, r)
	}
	require.NoError(t, sc.Err())
	return records
}

func TestBuildAndRunWritesJSONLines(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := baseConfig(t, site.URL)
	cfg.Archive.Provider = config.ArchiveMemory

	var out bytes.Buffer
	a, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithStdout(&out))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, a.RunID(), report.RunID)
	require.Equal(t, 2, report.Pages)
	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 3, report.Records)
	require.Empty(t, report.Failures)

	byPage := map[int][]crawler.Record{}
	for _, r := range decodeLines(t, &out) {
		byPage[r.Page] = append(byPage[r.Page], r)
	}
	require.Equal(t, []crawler.Record{
		{Text: "“First.”", Author: "Ada Lovelace", Tags: []string{"math"}, Page: 1},
		{Text: "“Second.”", Author: "Alan Turing", Tags: []string{}, Page: 1},
	}, byPage[1])
	require.Equal(t, []crawler.Record{
		{Text: "“Third.”", Author: "Grace Hopper", Tags: []string{"navy", "cobol"}, Page: 2},
	}, byPage[2])

	store, ok := a.Archive().(*memory.BlobStore)
	require.True(t, ok)
	paths := store.Paths()
	require.Len(t, paths, 2)
	for _, p := range paths {
		require.True(t, strings.HasPrefix(p, "pages/"+a.RunID()+"/page-"), p)
	}
}

func TestRunReportsMissingPageWithoutFailing(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := baseConfig(t, site.URL)
	cfg.Site.LastPage = 3
	cfg.Output.Format = config.FormatNone

	captured := memorypublisher.New()
	a, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithConsumer(captured))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Records)
	require.Equal(t, 2, report.Succeeded)
	require.Len(t, report.Failures, 1)
	require.Equal(t, 3, report.Failures[0].Page)
	require.Equal(t, crawler.StageFetch, report.Failures[0].Stage)

	var statusErr *crawler.StatusError
	require.ErrorAs(t, report.Failures[0], &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	byPage := captured.ByPage()
	require.Len(t, byPage[1], 2)
	require.Len(t, byPage[2], 1)
	require.Empty(t, byPage[3])
}

func TestRunStopsOnSinkFailure(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := baseConfig(t, site.URL)
	cfg.Output.Format = config.FormatNone

	captured := memorypublisher.New()
	captured.Stop()
	a, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithConsumer(captured))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	report, err := a.Run(context.Background())
	require.ErrorIs(t, err, memorypublisher.ErrStopped)
	require.Zero(t, report.Records)
}

func TestRunServesOpsEndpoints(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := baseConfig(t, site.URL)
	cfg.Output.Format = config.FormatDebug
	cfg.Metrics.Addr = "127.0.0.1:0"

	var out bytes.Buffer
	a, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithStdout(&out))
	require.NoError(t, err)
	require.Empty(t, a.OpsAddr())

	_, err = a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, strings.Count(out.String(), "\n"))
	require.NotEmpty(t, a.OpsAddr())

	resp, err := http.Get("http://" + a.OpsAddr() + "/v1/run")
	require.NoError(t, err)
	var status RunStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, a.RunID(), status.RunID)
	require.Equal(t, 2, status.Capacity)
	require.Equal(t, 0, status.InUse)
	require.EqualValues(t, 3, status.Records)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t, "http://example.test")
	cfg.Pool.Capacity = 0

	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.ErrorContains(t, err, "pool.capacity")
}

func TestBuildRejectsBadSelector(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t, "http://example.test")
	cfg.Extract.Author = "[[["

	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.ErrorContains(t, err, "extractor init failed")
}

func TestBuildLocalArchive(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := baseConfig(t, site.URL)
	cfg.Archive.Provider = config.ArchiveLocal
	cfg.Archive.BaseDir = t.TempDir()
	cfg.Output.Format = config.FormatNone

	a, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()
	require.NotNil(t, a.Archive())

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Records)
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := baseConfig(t, site.URL)
	cfg.Output.Format = config.FormatNone

	a, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := a.Run(ctx)
	require.Zero(t, report.Records)
	// Tasks may all fail before the drain notices the cancellation.
	if err == nil {
		require.Len(t, report.Failures, 2)
		return
	}
	require.ErrorIs(t, err, context.Canceled)
}
