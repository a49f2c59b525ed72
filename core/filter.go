package core

import (
	"strings"
	"sync"

	"github.com/signalsfoundry/radio-globe/model"
)

// FilterSource supplies the filter snapshot merged into viewport queries.
type FilterSource interface {
	Snapshot() model.Filters
}

// FilterState is the active tag selection and name search. Every mutation
// replaces the selection wholesale and triggers exactly one refresh.
type FilterState struct {
	mu       sync.RWMutex
	filters  model.Filters
	onChange func()
}

// NewFilterState returns an empty selection. onChange, when non-nil, is
// called once after every mutation, outside the lock.
func NewFilterState(onChange func()) *FilterState {
	return &FilterState{onChange: onChange}
}

// OnChange replaces the change callback.
func (f *FilterState) OnChange(fn func()) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// Apply replaces the whole selection, search included.
func (f *FilterState) Apply(sel model.Filters) {
	f.set(sel.Clone())
}

// SetSearch replaces the search term and keeps the tag selection.
func (f *FilterState) SetSearch(term string) {
	f.mu.RLock()
	next := f.filters.Clone()
	f.mu.RUnlock()
	next.Search = strings.TrimSpace(term)
	f.set(next)
}

// Reset clears the selection.
func (f *FilterState) Reset() {
	f.set(model.Filters{})
}

// Snapshot returns a deep copy of the current selection.
func (f *FilterState) Snapshot() model.Filters {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filters.Clone()
}

func (f *FilterState) set(next model.Filters) {
	f.mu.Lock()
	f.filters = next
	fn := f.onChange
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
}
