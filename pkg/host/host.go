// Package host owns the sources, the operator storage and the registered queries of an
// incremental view maintenance engine, and applies replicated transactions to them.
package host

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	toolscache "k8s.io/client-go/tools/cache"

	"github.com/l7mp/ivm/pkg/ivm"
	"github.com/l7mp/ivm/pkg/pipeline"
	"github.com/l7mp/ivm/pkg/storage"
	"github.com/l7mp/ivm/pkg/storage/sqlite"
	"github.com/l7mp/ivm/pkg/util"
	"github.com/l7mp/ivm/pkg/view"
)

// TableIndex is the name of the query index keyed by the tables the queries read.
const TableIndex = "table"

// Options configures a Host.
type Options struct {
	// Store keeps the operator state in SQLite. Operator state is kept in memory when nil.
	Store *sqlite.Store
	// Registerer registers the host metrics. The metrics are not exported when nil.
	Registerer prometheus.Registerer
	// TracerProvider defaults to the global tracer provider.
	TracerProvider trace.TracerProvider
	// Watermark is the version the initial table contents are at.
	Watermark int64
	Logger    logr.Logger
}

// Query is a registered query and its materialized view.
type Query struct {
	ID    string
	Query *pipeline.Query
	// MinVersion is the version the client asked for: the view is partial until the host
	// reaches it.
	MinVersion int64

	pipeline *pipeline.Pipeline
	view     *view.View
}

// Graph returns the operator graph of the query.
func (q *Query) Graph() *pipeline.Graph { return q.pipeline.Graph }

// Pipeline returns the operator pipeline of the query.
func (q *Query) Pipeline() *pipeline.Pipeline { return q.pipeline }

// Host serializes access to a set of sources and the views built on them: transactions and
// registrations hold the write lock, snapshots the read lock. Listeners are called with the
// write lock held and must not call back into the host.
type Host struct {
	mu          sync.RWMutex
	sources     map[string]*ivm.MemorySource
	queries     toolscache.Indexer
	watermark   int64
	store       *sqlite.Store
	metrics     *metrics
	tracer      trace.Tracer
	logger, log logr.Logger
}

func New(opts Options) *Host {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	h := &Host{
		sources:   map[string]*ivm.MemorySource{},
		watermark: opts.Watermark,
		store:     opts.Store,
		metrics:   newMetrics(opts.Registerer),
		tracer:    tp.Tracer("github.com/l7mp/ivm/pkg/host"),
		logger:    logger,
		log:       logger.WithName("host"),
	}
	h.queries = toolscache.NewIndexer(
		func(obj any) (string, error) { return obj.(*Query).ID, nil },
		toolscache.Indexers{TableIndex: func(obj any) ([]string, error) {
			return obj.(*Query).Query.Tables(), nil
		}},
	)
	h.metrics.watermark.Set(float64(opts.Watermark))
	return h
}

// AddTable creates the source of a table and loads its initial rows.
func (h *Host) AddTable(spec TableSpec, rows ...ivm.Row) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sources[spec.Name]; ok {
		return fmt.Errorf("%w: %q", ErrTableExists, spec.Name)
	}
	src, err := ivm.NewMemorySource(spec.Name, spec.Columns, spec.PrimaryKey, h.logger)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to load table %q: %w", spec.Name, ivm.AsError(r))
		}
	}()
	for _, row := range rows {
		src.Push(ivm.Add(row))
	}
	h.sources[spec.Name] = src

	h.log.V(2).Info("table added", "table", spec.Name, "rows", len(rows))

	return nil
}

// Tables returns the names of the tables.
func (h *Host) Tables() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ret := make([]string, 0, len(h.sources))
	for name := range h.sources {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

// Watermark returns the version of the last applied transaction.
func (h *Host) Watermark() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.watermark
}

// Register builds the pipeline of a query and hydrates its view. Registering a query with a
// MinVersion ahead of the watermark yields a partial view that becomes complete once the host
// catches up.
func (h *Host) Register(q *pipeline.Query, minVersion int64) (ret *Query, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.begin(); err != nil {
		return nil, NewRegisterError(err)
	}
	var p *pipeline.Pipeline
	defer func() {
		if r := recover(); r != nil {
			err = NewRegisterError(ivm.AsError(r))
		}
		if err != nil {
			if p != nil {
				h.release(p)
			}
			h.rollback()
			return
		}
		if cerr := h.commit(); cerr != nil {
			ret, err = nil, NewRegisterError(cerr)
		}
	}()

	p, err = pipeline.Build(q, (*delegate)(h), h.logger)
	if err != nil {
		return nil, NewRegisterError(err)
	}

	query := &Query{ID: uuid.NewString(), Query: q, MinVersion: minVersion, pipeline: p}
	query.view = view.New(p.Input, p.Format(), h.logger.WithValues("query", query.ID))
	query.view.SetComplete(minVersion <= h.watermark)
	query.view.Wire()
	query.view.Hydrate()

	if err := h.queries.Add(query); err != nil {
		return nil, NewRegisterError(err)
	}
	h.metrics.queries.Inc()

	h.log.V(2).Info("query registered", "id", query.ID, "table", q.Table,
		"result", query.view.ResultType(), "graph", p.Graph.String())

	return query, nil
}

// Unregister destroys the pipeline of a query.
func (h *Host) Unregister(id string) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	q, err := h.get(id)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to unregister query %s: %w", id, ivm.AsError(r))
		}
	}()
	if err := h.queries.Delete(q); err != nil {
		return err
	}
	h.metrics.queries.Dec()
	q.view.Destroy()

	h.log.V(2).Info("query unregistered", "id", id)

	return nil
}

// Close unregisters every query.
func (h *Host) Close() error {
	for _, id := range h.queryIDs() {
		if err := h.Unregister(id); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) queryIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.queries.ListKeys()
}

func (h *Host) get(id string) (*Query, error) {
	obj, ok, err := h.queries.GetByKey(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, id)
	}
	return obj.(*Query), nil
}

// Get returns a registered query.
func (h *Host) Get(id string) (*Query, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.get(id)
}

// QueriesFor returns the ids of the queries that read a table.
func (h *Host) QueriesFor(table string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	objs, err := h.queries.ByIndex(TableIndex, table)
	if err != nil {
		return nil, err
	}
	ret := make([]string, 0, len(objs))
	for _, obj := range objs {
		ret = append(ret, obj.(*Query).ID)
	}
	sort.Strings(ret)
	return ret, nil
}

// Snapshot returns the current result of a query. The returned data must not be modified.
func (h *Host) Snapshot(id string) (any, view.ResultType, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	q, err := h.get(id)
	if err != nil {
		return nil, view.ResultNone, err
	}
	return q.view.Data(), q.view.ResultType(), nil
}

// AddListener registers a listener on the view of a query and returns a function that removes
// it.
func (h *Host) AddListener(id string, l view.Listener) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, err := h.get(id)
	if err != nil {
		return nil, err
	}
	unsubscribe := q.view.AddListener(l)
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		unsubscribe()
	}, nil
}

// Apply pushes the changes of a transaction into the sources and moves the watermark to the
// version of the transaction. The views are notified once, after the last change. A failed
// transaction leaves the views in an undefined state: the caller should rebuild them.
func (h *Host) Apply(ctx context.Context, tx Transaction) (err error) {
	ctx, span := h.tracer.Start(ctx, "ivm.Host.Apply", trace.WithAttributes(
		attribute.Int64("version", tx.Version),
		attribute.Int("changes", len(tx.Changes)),
	))
	defer span.End()

	timer := prometheus.NewTimer(h.metrics.applyDuration)
	defer timer.ObserveDuration()

	defer func() {
		result := "success"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		h.metrics.transactions.WithLabelValues(result).Inc()
	}()

	if err := ctx.Err(); err != nil {
		return NewTransactionError(tx.Version, err)
	}

	changes := make([]ivm.Change, len(tx.Changes))
	for i, c := range tx.Changes {
		change, err := c.Change()
		if err != nil {
			return NewTransactionError(tx.Version, err)
		}
		changes[i] = change
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if tx.Version <= h.watermark {
		return NewTransactionError(tx.Version,
			fmt.Errorf("%w: version must be greater than %d", ErrStaleVersion, h.watermark))
	}
	sources := make([]*ivm.MemorySource, len(tx.Changes))
	for i, c := range tx.Changes {
		src, ok := h.sources[c.Table]
		if !ok {
			return NewTransactionError(tx.Version, fmt.Errorf("%w: %q", ErrUnknownTable, c.Table))
		}
		sources[i] = src
	}

	queries := h.queries.List()
	span.SetAttributes(attribute.Int("queries", len(queries)))
	for _, obj := range queries {
		obj.(*Query).view.Hold()
	}
	defer func() {
		for _, obj := range queries {
			obj.(*Query).view.Release()
		}
	}()

	if err := h.begin(); err != nil {
		return NewTransactionError(tx.Version, err)
	}
	if err := h.push(sources, changes); err != nil {
		h.rollback()
		return NewTransactionError(tx.Version, err)
	}
	if err := h.commit(); err != nil {
		return NewTransactionError(tx.Version, err)
	}

	h.watermark = tx.Version
	h.metrics.watermark.Set(float64(tx.Version))
	h.metrics.changes.Add(float64(len(changes)))
	for _, obj := range queries {
		q := obj.(*Query)
		if q.MinVersion <= h.watermark {
			q.view.SetComplete(true)
		}
	}

	h.log.V(4).Info("transaction applied", "version", tx.Version, "changes", len(changes))
	h.log.V(8).Info("transaction content", "version", tx.Version, "changes", util.Stringify(tx.Changes))

	return nil
}

// push feeds the changes to the sources, turning the invariant violations raised by the
// operators into an error.
func (h *Host) push(sources []*ivm.MemorySource, changes []ivm.Change) (err error) {
	i := 0
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("change %d: %w", i, ivm.AsError(r))
		}
	}()
	for ; i < len(changes); i++ {
		sources[i].Push(changes[i])
	}
	return nil
}

// release destroys the pipeline of a query that failed to register, disconnecting it from the
// sources.
func (h *Host) release(p *pipeline.Pipeline) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error(ivm.AsError(r), "failed to destroy pipeline")
		}
	}()
	p.Destroy()
}

func (h *Host) begin() error {
	if h.store == nil {
		return nil
	}
	return h.store.Begin()
}

func (h *Host) commit() error {
	if h.store == nil {
		return nil
	}
	return h.store.Commit()
}

func (h *Host) rollback() {
	if h.store == nil {
		return
	}
	if err := h.store.Rollback(); err != nil {
		h.log.Error(err, "failed to roll back operator storage")
	}
}

// delegate serves the sources and the operator storage of a Host to the pipeline builder.
type delegate Host

func (d *delegate) GetSource(table string) (ivm.Source, bool) {
	src, ok := d.sources[table]
	return src, ok
}

func (d *delegate) CreateStorage(id string) ivm.Storage {
	if d.store != nil {
		return d.store.NewStorage(id)
	}
	return storage.NewMemory()
}
