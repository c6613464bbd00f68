// Package crawler defines the core types shared across the quotes crawler:
// extracted records, fetched pages, the page range of a run, the collaborator
// interfaces wired together by the pipeline, and the per-page error taxonomy.
package crawler
