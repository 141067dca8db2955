// Package pipeline builds operator pipelines from declarative queries.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/l7mp/ivm/pkg/ivm"
	"github.com/l7mp/ivm/pkg/view"
)

// Delegate gives the builder access to the environment of the pipeline.
type Delegate interface {
	// GetSource returns the source of a table.
	GetSource(table string) (ivm.Source, bool)
	// CreateStorage returns a new, empty storage for the operator with the given id.
	CreateStorage(id string) ivm.Storage
}

// Pipeline is a built and wired operator graph.
type Pipeline struct {
	Query *Query
	Input ivm.Input
	Graph *Graph

	// End is the graph id of the last operator.
	End string
}

// Format returns the shape of the materialized result.
func (p *Pipeline) Format() view.Format { return p.Query.Format() }

// Destroy tears down the operators and closes the source connections.
func (p *Pipeline) Destroy() { p.Input.Destroy() }

type builder struct {
	delegate Delegate
	graph    *Graph
	wirers   []ivm.Wirer
	conns    []ivm.SourceInput
	aliases  int
	log      logr.Logger
}

// Build creates the pipeline of a query. Operators are wired only after all of them have been
// created, so a failed build leaves the sources untouched.
func Build(q *Query, d Delegate, log logr.Logger) (*Pipeline, error) {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if err := q.Validate(); err != nil {
		return nil, NewPipelineError(err)
	}

	b := &builder{delegate: d, graph: newGraph(), log: log.WithName("pipeline").WithValues("table", q.Table)}
	end, id, err := b.build(q, "")
	if err != nil {
		for _, c := range b.conns {
			c.Destroy()
		}
		return nil, NewPipelineError(err)
	}

	for _, w := range b.wirers {
		w.Wire()
	}

	b.log.V(2).Info("pipeline ready", "graph", b.graph.String())

	return &Pipeline{Query: q, Input: end, Graph: b.graph, End: id}, nil
}

func (b *builder) wire(w ivm.Wirer) { b.wirers = append(b.wirers, w) }

func (b *builder) build(q *Query, partitionKey string) (ivm.Input, string, error) {
	src, ok := b.delegate.GetSource(q.Table)
	if !ok {
		return nil, "", fmt.Errorf("source not found: %q", q.Table)
	}

	where := b.uniquify(q.Where)
	pushed := map[*Condition]bool{}
	filters := []ivm.SimpleCondition{}
	for _, c := range pushdown(where) {
		pushed[c] = true
		filters = append(filters, c.SimpleCondition())
	}

	sort := q.OrderBy.WithPrimaryKey(src.GetPrimaryKey())
	conn, err := src.Connect(sort, filters...)
	if err != nil {
		return nil, "", err
	}
	b.conns = append(b.conns, conn)
	if !conn.AppliedFilters() {
		pushed = nil
	}

	var end ivm.Input = conn
	id := b.graph.add("source", fmt.Sprintf("%s by %s", q.Table, sort))

	if q.Start != nil {
		skip := ivm.NewSkipFilter(end, *q.Start)
		b.wire(skip)
		end, id = skip, b.graph.add("skip", fmt.Sprintf("%v", q.Start.Row), id)
	}

	for _, csq := range gatherSubqueries(where) {
		sub := *csq
		sub.Hidden = true
		limit := ExistsLimit
		sub.Subquery.Limit = &limit
		if end, id, err = b.join(end, id, &sub); err != nil {
			return nil, "", err
		}
	}

	if where != nil {
		if end, id, err = b.where(end, id, where, pushed); err != nil {
			return nil, "", err
		}
	}

	if q.Limit != nil {
		storageID := b.graph.add("take", fmt.Sprintf("%d", *q.Limit), id)
		take, err := ivm.NewTake(end, b.delegate.CreateStorage(storageID), *q.Limit, partitionKey)
		if err != nil {
			return nil, "", err
		}
		b.wire(take)
		end, id = take, storageID
	}

	for i := range q.Related {
		if end, id, err = b.join(end, id, &q.Related[i]); err != nil {
			return nil, "", err
		}
	}

	return end, id, nil
}

func (b *builder) join(parent ivm.Input, parentID string, csq *CorrelatedSubquery) (ivm.Input, string, error) {
	child, childID, err := b.build(&csq.Subquery, csq.Correlation.ChildField)
	if err != nil {
		return nil, "", err
	}
	name := csq.Subquery.name()
	id := b.graph.add("join", name, parentID, childID)
	j, err := ivm.NewJoin(ivm.JoinArgs{
		Parent:       parent,
		Child:        child,
		Storage:      b.delegate.CreateStorage(id),
		ParentKey:    csq.Correlation.ParentField,
		ChildKey:     csq.Correlation.ChildField,
		Relationship: name,
		Hidden:       csq.Hidden,
	})
	if err != nil {
		return nil, "", err
	}
	b.wire(j)
	return j, id, nil
}

func (b *builder) where(in ivm.Input, inID string, c *Condition, pushed map[*Condition]bool) (ivm.Input, string, error) {
	switch c.Type {
	case ConditionAnd:
		var err error
		for i := range c.Conditions {
			if in, inID, err = b.where(in, inID, &c.Conditions[i], pushed); err != nil {
				return nil, "", err
			}
		}
		return in, inID, nil

	case ConditionOr:
		fanOut := ivm.NewFanOut(in)
		b.wire(fanOut)
		foID := b.graph.add("fan-out", "", inID)
		branches := make([]ivm.Input, 0, len(c.Conditions))
		branchIDs := make([]string, 0, len(c.Conditions))
		for i := range c.Conditions {
			branch, id, err := b.where(fanOut, foID, &c.Conditions[i], pushed)
			if err != nil {
				return nil, "", err
			}
			branches, branchIDs = append(branches, branch), append(branchIDs, id)
		}
		fanIn, err := ivm.NewFanIn(fanOut, branches)
		if err != nil {
			return nil, "", err
		}
		b.wire(fanIn)
		return fanIn, b.graph.add("fan-in", "", branchIDs...), nil

	case ConditionExists, ConditionNotExist:
		typ := ivm.Exists
		if c.Type == ConditionNotExist {
			typ = ivm.NotExists
		}
		name := c.Related.Subquery.name()
		id := b.graph.add("exists", fmt.Sprintf("%s %s", typ, name), inID)
		e, err := ivm.NewExists(in, b.delegate.CreateStorage(id), name, typ)
		if err != nil {
			return nil, "", err
		}
		b.wire(e)
		return e, id, nil

	case ConditionSimple:
		pred, err := c.SimpleCondition().Predicate()
		if err != nil {
			return nil, "", err
		}
		mode, kind := ivm.FilterAll, "filter"
		if pushed[c] {
			mode, kind = ivm.FilterPushOnly, "push-filter"
		}
		f := ivm.NewFilter(in, mode, pred)
		b.wire(f)
		return f, b.graph.add(kind, c.String(), inID), nil
	}

	return nil, "", errors.New("unknown condition type " + string(c.Type))
}

// uniquify returns a copy of a where clause in which every EXISTS subquery has a distinct
// alias, so that the helper relationships of the subqueries do not collide.
func (b *builder) uniquify(c *Condition) *Condition {
	if c == nil {
		return nil
	}
	ret := *c
	if c.Related != nil {
		related := *c.Related
		related.Subquery.Alias = fmt.Sprintf("%s_%d", related.Subquery.name(), b.aliases)
		b.aliases++
		ret.Related = &related
	}
	if len(c.Conditions) > 0 {
		ret.Conditions = make([]Condition, len(c.Conditions))
		for i := range c.Conditions {
			ret.Conditions[i] = *b.uniquify(&c.Conditions[i])
		}
	}
	return &ret
}

// pushdown returns the simple conditions a source can apply to its fetches: those that every
// result row must satisfy.
func pushdown(c *Condition) []*Condition {
	if c == nil {
		return nil
	}
	switch c.Type {
	case ConditionSimple:
		return []*Condition{c}
	case ConditionAnd:
		ret := []*Condition{}
		for i := range c.Conditions {
			if c.Conditions[i].Type == ConditionSimple {
				ret = append(ret, &c.Conditions[i])
			}
		}
		return ret
	}
	return nil
}

// gatherSubqueries returns the subqueries of the EXISTS conditions of a where clause.
func gatherSubqueries(c *Condition) []*CorrelatedSubquery {
	if c == nil {
		return nil
	}
	switch c.Type {
	case ConditionExists, ConditionNotExist:
		return []*CorrelatedSubquery{c.Related}
	case ConditionAnd, ConditionOr:
		ret := []*CorrelatedSubquery{}
		for i := range c.Conditions {
			ret = append(ret, gatherSubqueries(&c.Conditions[i])...)
		}
		return ret
	}
	return nil
}
