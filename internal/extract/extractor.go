// Package extract parses listing page markup into crawler records.
package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/multierr"

	"github.com/JakeFAU/quotes-crawler/internal/crawler"
)

// Default selectors for quotes.toscrape.com style listings.
const (
	DefaultContainer = ".quote"
	DefaultText      = ".text"
	DefaultAuthor    = ".author"
	DefaultTag       = ".tag"
)

// Selectors names the CSS selectors used to locate record fields.
type Selectors struct {
	Container string
	Text      string
	Author    string
	Tag       string
}

// DefaultSelectors returns the built-in selector set.
func DefaultSelectors() Selectors {
	return Selectors{
		Container: DefaultContainer,
		Text:      DefaultText,
		Author:    DefaultAuthor,
		Tag:       DefaultTag,
	}
}

// Extractor is safe for concurrent use; compiled selectors are read-only.
type Extractor struct {
	container cascadia.Selector
	text      cascadia.Selector
	author    cascadia.Selector
	tag       cascadia.Selector
}

var _ crawler.Extractor = (*Extractor)(nil)

// New compiles the selectors once.
func New(sel Selectors) (*Extractor, error) {
	compile := func(field, expr string) (cascadia.Selector, error) {
		if strings.TrimSpace(expr) == "" {
			return nil, fmt.Errorf("extract.%s selector must not be empty", field)
		}
		s, err := cascadia.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile extract.%s selector %q: %w", field, expr, err)
		}
		return s, nil
	}

	var (
		e   Extractor
		err error
	)
	if e.container, err = compile("container", sel.Container); err != nil {
		return nil, err
	}
	if e.text, err = compile("text", sel.Text); err != nil {
		return nil, err
	}
	if e.author, err = compile("author", sel.Author); err != nil {
		return nil, err
	}
	if e.tag, err = compile("tag", sel.Tag); err != nil {
		return nil, err
	}
	return &e, nil
}

// Extract returns one record per well-formed container, in document order.
// Containers missing text or author are reported through an
// *crawler.ExtractionError while the valid records are still returned.
// Markup without containers yields an empty slice and no error.
func (e *Extractor) Extract(markup string) ([]crawler.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, &crawler.ExtractionError{Err: fmt.Errorf("parse markup: %w", err)}
	}

	containers := doc.FindMatcher(e.container)
	records := make([]crawler.Record, 0, containers.Length())
	var errs error
	failed := 0

	containers.Each(func(i int, c *goquery.Selection) {
		text, okText := firstText(c, e.text)
		author, okAuthor := firstText(c, e.author)
		if !okText || !okAuthor {
			failed++
			if !okText {
				errs = multierr.Append(errs, &crawler.ContainerError{Index: i, Field: "text"})
			}
			if !okAuthor {
				errs = multierr.Append(errs, &crawler.ContainerError{Index: i, Field: "author"})
			}
			return
		}

		tags := make([]string, 0)
		c.FindMatcher(e.tag).Each(func(_ int, t *goquery.Selection) {
			tags = append(tags, strings.TrimSpace(t.Text()))
		})
		records = append(records, crawler.Record{
			Text:   text,
			Author: author,
			Tags:   tags,
		})
	})

	if errs != nil {
		return records, &crawler.ExtractionError{
			Failed: failed,
			Total:  containers.Length(),
			Err:    errs,
		}
	}
	return records, nil
}

func firstText(s *goquery.Selection, m cascadia.Selector) (string, bool) {
	found := s.FindMatcher(m)
	if found.Length() == 0 {
		return "", false
	}
	return strings.TrimSpace(found.First().Text()), true
}
