package activity

import (
	"github.com/tombee/baton/pkg/errors"
)

// ValidationErrors accumulates the findings of a tree walk. The walker
// never throws for a bad definition; it records one error per offending
// node and keeps walking so a single pass reports everything.
type ValidationErrors struct {
	items []*errors.ValidationError
}

// Add records a finding.
func (ve *ValidationErrors) Add(e *errors.ValidationError) {
	ve.items = append(ve.items, e)
}

// All returns every finding, warnings included, in discovery order.
func (ve *ValidationErrors) All() []*errors.ValidationError {
	return ve.items
}

// HasErrors reports whether any non-warning finding was recorded.
func (ve *ValidationErrors) HasErrors() bool {
	for _, e := range ve.items {
		if !e.IsWarning {
			return true
		}
	}
	return false
}

// Err returns a ValidationFailedError when errors were recorded, nil
// otherwise.
func (ve *ValidationErrors) Err() error {
	if !ve.HasErrors() {
		return nil
	}
	return &errors.ValidationFailedError{Errors: ve.items}
}

// stamp fills a finding's source fields from the walk position.
func stamp(e *errors.ValidationError, chain *ParentChain, current Activity) {
	if e.Source == "" {
		e.Source = chainSource(chain, current)
	}
	if m := current.Meta(); m.id > 0 {
		e.ID = QualifiedID(m.id)
	}
}

// chainSource renders the path from the root to the current node.
func chainSource(chain *ParentChain, current Activity) string {
	path := current.Meta().DisplayName()
	for c := chain; c != nil; c = c.parent {
		path = c.activity.Meta().DisplayName() + "/" + path
	}
	return path
}
