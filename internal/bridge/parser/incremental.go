package parser

import "github.com/popmelt/core-sub002/internal/bridge/model"

// IncrementalResolutionParser accepts an ever-growing text buffer (the
// plan-executor job's streaming output) and returns only the resolutions
// added since the last call (spec.md §4.5). It is append-only: callers push
// the full buffer seen so far, not a delta.
//
// The cursor (the count of resolutions already returned) is kept inside the
// parser and advanced by every ParseNewSince call; Cursor exposes it
// read-only, and there is no way to reset or rewind it.
type IncrementalResolutionParser struct {
	seen int // count of resolutions already returned to the caller
}

// NewIncrementalResolutionParser returns a fresh parser with cursor at zero.
func NewIncrementalResolutionParser() *IncrementalResolutionParser {
	return &IncrementalResolutionParser{}
}

// ParseNewSince parses the current buffer and returns the resolutions added
// since the last call (deduped by position), advancing the internal cursor.
func (p *IncrementalResolutionParser) ParseNewSince(buffer string) []model.Resolution {
	all := ParseResolutions(buffer)
	if len(all) <= p.seen {
		return nil
	}
	fresh := all[p.seen:]
	p.seen = len(all)
	return fresh
}

// Cursor returns the number of resolutions already delivered.
func (p *IncrementalResolutionParser) Cursor() int {
	return p.seen
}
