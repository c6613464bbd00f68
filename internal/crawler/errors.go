package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingField marks a container that lacks a required sub-element.
	ErrMissingField = errors.New("required field missing")
	// ErrUndecodableBody is returned when a response body is not valid UTF-8 text.
	ErrUndecodableBody = errors.New("response body is not valid UTF-8")
	// ErrBodyTooLarge marks a response that exceeded the configured body limit.
	ErrBodyTooLarge = errors.New("response body exceeds limit")
)

// Stage names the step of a page task that failed.
type Stage string

// Task stages reported on PageError.
const (
	StageAdmission Stage = "admission"
	StageFetch     Stage = "fetch"
	StageExtract   Stage = "extract"
	StagePanic     Stage = "panic"
)

// FetchError wraps any failure to obtain a page's markup.
type FetchError struct {
	Page int
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch page %d (%s): %v", e.Page, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusError reports a response whose HTTP status was not a success.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// ContainerError reports one record container missing a required field.
type ContainerError struct {
	Index int
	Field string
}

func (e *ContainerError) Error() string {
	return fmt.Sprintf("container %d: missing %s", e.Index, e.Field)
}

func (e *ContainerError) Unwrap() error {
	return ErrMissingField
}

// ExtractionError aggregates container failures on a page, or a parse failure
// when Total is zero.
type ExtractionError struct {
	Failed int
	Total  int
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Total == 0 {
		return fmt.Sprintf("extract: %v", e.Err)
	}
	return fmt.Sprintf("extract: %d of %d containers failed: %v", e.Failed, e.Total, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// PageError is the failure report of one page task. Delivered counts the
// records the task emitted before or despite the failure.
type PageError struct {
	Page      int
	URL       string
	Stage     Stage
	Delivered int
	Err       error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d: %s: %v", e.Page, e.Stage, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}
