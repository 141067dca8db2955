// Package view materializes the output of an operator pipeline into a sorted, nested result and
// notifies listeners when it changes.
package view

import (
	"github.com/go-logr/logr"

	"github.com/l7mp/ivm/pkg/ivm"
)

// Format describes the shape of the materialized result.
type Format struct {
	// Singular views hold at most one entry, rendered as an Record or nil instead of a list.
	Singular bool `json:"singular,omitempty"`
	// Relationships lists the relationships that are materialized. Relationships of the
	// pipeline that are not listed here are not materialized.
	Relationships map[string]Format `json:"relationships,omitempty"`
}

// ResultType tells whether a view holds the complete result of its query.
type ResultType string

const (
	// ResultNone means the view has not been hydrated yet.
	ResultNone ResultType = "none"
	// ResultPartial means the view was hydrated from data older than the version the query
	// asked for.
	ResultPartial ResultType = "partial"
	// ResultComplete means the view holds the complete result.
	ResultComplete ResultType = "complete"
)

// Record is a materialized row: the row columns plus one key per materialized relationship,
// holding a []Record, or an Record or nil for singular relationships. Records are never modified
// once they were handed out in a snapshot.
type Record map[string]any

// Listener is called with a snapshot of the view data every time the view changes.
type Listener func(data any, resultType ResultType)

// View is an Output that keeps the result of its input materialized.
type View struct {
	input     ivm.Input
	schema    *ivm.Schema
	format    Format
	root      []Record
	listeners map[int]Listener
	nextID    int
	hydrated  bool
	complete  bool
	dirty     bool
	held      int
	destroyed bool
	log       logr.Logger
}

var _ ivm.Output = &View{}

// New creates a view on an input. The view is wired to its input by Wire and loaded by Hydrate.
func New(input ivm.Input, format Format, log logr.Logger) *View {
	return &View{
		input:     input,
		schema:    input.GetSchema(),
		format:    format,
		root:      []Record{},
		listeners: map[int]Listener{},
		complete:  true,
		log:       log.WithName("view").WithValues("table", input.GetSchema().TableName),
	}
}

// Wire registers the view as the output of its input.
func (v *View) Wire() { v.input.SetOutput(v) }

// Hydrate loads the current result from the input and notifies the listeners.
func (v *View) Hydrate() {
	if v.hydrated {
		return
	}
	s := v.input.Fetch(ivm.FetchRequest{})
	defer s.Close()
	root := []Record{}
	for n, ok := s.Next(); ok; n, ok = s.Next() {
		root = append(root, makeRecord(n, v.schema, v.format))
	}
	v.root = root
	v.hydrated = true
	v.log.V(4).Info("hydrated", "entries", len(v.root))
	v.notify()
}

// SetComplete marks the result complete or partial.
func (v *View) SetComplete(complete bool) {
	if v.complete == complete {
		return
	}
	v.complete = complete
	if v.hydrated {
		v.dirty = true
		v.maybeNotify()
	}
}

// ResultType returns the completeness of the result.
func (v *View) ResultType() ResultType {
	switch {
	case !v.hydrated:
		return ResultNone
	case v.complete:
		return ResultComplete
	default:
		return ResultPartial
	}
}

// Data returns the materialized result: an Record or nil for singular views, a []Record
// otherwise. The returned value must not be modified.
func (v *View) Data() any {
	return render(v.root, v.format.Singular)
}

// AddListener registers a listener and returns a function that removes it. The listener is
// called immediately when the view is already hydrated.
func (v *View) AddListener(l Listener) func() {
	id := v.nextID
	v.nextID++
	v.listeners[id] = l
	if v.hydrated {
		l(v.Data(), v.ResultType())
	}
	return func() { delete(v.listeners, id) }
}

// Hold defers listener notifications until the matching Release, so that a batch of pushes
// results in a single notification.
func (v *View) Hold() { v.held++ }

// Release ends a Hold, notifying the listeners if the view changed in the meantime.
func (v *View) Release() {
	if v.held > 0 {
		v.held--
	}
	v.maybeNotify()
}

// Destroy detaches the listeners and tears down the pipeline.
func (v *View) Destroy() {
	if v.destroyed {
		return
	}
	v.destroyed = true
	v.listeners = map[int]Listener{}
	v.input.Destroy()
}

// Push applies a change to the materialized result.
func (v *View) Push(change ivm.Change) {
	if !v.hydrated {
		// the hydrating fetch will see the change
		return
	}
	v.root = applyChange(v.root, change, v.schema, v.format)
	v.dirty = true
	v.maybeNotify()
}

func (v *View) maybeNotify() {
	if v.held == 0 && v.dirty {
		v.notify()
	}
}

func (v *View) notify() {
	v.dirty = false
	data, rt := v.Data(), v.ResultType()
	for _, l := range v.listeners {
		l(data, rt)
	}
}
