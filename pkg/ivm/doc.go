/*
Package ivm implements an incremental view maintenance engine over in-memory tables.

A query is compiled into a graph of operators, rooted at a table Source and ending at a view.
Every operator exposes two faces: the Input face answers pull requests (Fetch, Cleanup) with a
sorted stream of nodes, and the Output face receives push notifications (Change) from upstream
and forwards the consequences downstream. The invariant the whole package is built around is
that the stream of changes emitted by an operator, applied to the result of a previous fetch,
equals the result of a fresh fetch.

Operators:

  - MemorySource: a table with a primary key, sorted secondary indexes and per-connection
    optional filters. Changes are pushed to one connection at a time, with fetches from already
    notified connections seeing the pending change through an overlay.
  - Filter: a row predicate.
  - SkipFilter: drops rows at or before a start bound.
  - Take: a LIMIT window, optionally per partition, with its bound persisted in Storage.
  - Join: attaches a lazily fetched relationship of child rows to each parent row.
  - Exists: keeps parents whose relationship is (or is not) empty.
  - FanOut and FanIn: split a stream into OR branches and merge the results so that every
    upstream change is emitted at most once.

Operators that keep state use a Storage: an ordered string-keyed byte store that is private to
the operator instance.
*/
package ivm
