// Package archive stores the raw markup of fetched listing pages.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/quotes-crawler/internal/crawler"
	"github.com/JakeFAU/quotes-crawler/internal/hash/sha256"
)

// DefaultPrefix is the top-level folder for archived pages.
const DefaultPrefix = "pages"

const contentType = "text/html; charset=utf-8"

// Archiver writes pages to a blob store under
// <prefix>/<run_id>/page-<index>-<digest>.html.
type Archiver struct {
	store  crawler.BlobStore
	prefix string
}

// New wraps store. An empty prefix falls back to DefaultPrefix.
func New(store crawler.BlobStore, prefix string) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("archive store is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Archiver{store: store, prefix: prefix}, nil
}

// ObjectPath returns the deterministic object path for page in run runID.
func (a *Archiver) ObjectPath(runID string, page crawler.Page) string {
	name := fmt.Sprintf("page-%d-%s.html", page.Index, sha256.Short(page.Body, 16))
	return path.Join(a.prefix, runID, name)
}

// Archive uploads the page body and returns the stored URI.
func (a *Archiver) Archive(ctx context.Context, runID string, page crawler.Page) (string, error) {
	uri, err := a.store.PutObject(ctx, a.ObjectPath(runID, page), contentType, strings.NewReader(page.Body))
	if err != nil {
		return "", fmt.Errorf("archive page %d: %w", page.Index, err)
	}
	return uri, nil
}
