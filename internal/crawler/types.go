package crawler

import "time"

// Record is one structured item extracted from a listing page.
type Record struct {
	// Text is the primary text of the record (the quote itself).
	Text string `json:"text"`
	// Author is the attribution read from the same container.
	Author string `json:"author"`
	// Tags preserves document order; it is empty, never nil, when the container has none.
	Tags []string `json:"tags"`
	// Page is the index of the listing page the record came from.
	Page int `json:"page"`
}

// Page is the raw result of fetching one listing page.
type Page struct {
	Index      int
	URL        string
	StatusCode int
	Body       string
	Duration   time.Duration
}

// PageRange is an inclusive range of 1-based page indices.
type PageRange struct {
	First int
	Last  int
}

// Len reports how many pages the range covers; an inverted range is empty.
func (r PageRange) Len() int {
	if r.Last < r.First {
		return 0
	}
	return r.Last - r.First + 1
}

// Indices lists the page indices in ascending order.
func (r PageRange) Indices() []int {
	out := make([]int, 0, r.Len())
	for i := r.First; i <= r.Last; i++ {
		out = append(out, i)
	}
	return out
}
