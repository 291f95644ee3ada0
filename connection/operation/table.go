package operation

import (
	"github.com/everstore/everstore-go/connection"
	"github.com/everstore/everstore-go/connection/wire"
)

// Table is the dual-indexed set of in-flight operations: unique by
// correlation id, grouped by owning client. Both indices are updated inside
// every mutation so they can never drift apart. The table is not safe for
// concurrent use; the connection manager is its only mutator and runs a
// single event loop.
type Table struct {
	byId     map[wire.CorrelationId]Operation
	byClient map[connection.Client]map[wire.CorrelationId]Operation
}

func NewTable() *Table {
	return &Table{
		byId:     make(map[wire.CorrelationId]Operation),
		byClient: make(map[connection.Client]map[wire.CorrelationId]Operation),
	}
}

// Insert adds an operation, replacing any existing operation with the same
// correlation id.
func (t *Table) Insert(op Operation) {
	if existing, ok := t.byId[op.Id()]; ok {
		t.unindex(existing)
	}
	t.index(op)
}

// Update replaces the operation previously stored under prevId. It handles
// operations whose correlation id changed between inspections.
func (t *Table) Update(prevId wire.CorrelationId, op Operation) {
	if existing, ok := t.byId[prevId]; ok {
		t.unindex(existing)
	}
	t.Insert(op)
}

func (t *Table) Remove(op Operation) {
	if existing, ok := t.byId[op.Id()]; ok {
		t.unindex(existing)
	}
}

func (t *Table) RemoveById(id wire.CorrelationId) {
	if existing, ok := t.byId[id]; ok {
		t.unindex(existing)
	}
}

func (t *Table) ById(id wire.CorrelationId) (Operation, bool) {
	op, ok := t.byId[id]
	return op, ok
}

func (t *Table) ByClient(client connection.Client) []Operation {
	ops := make([]Operation, 0, len(t.byClient[client]))
	for _, op := range t.byClient[client] {
		ops = append(ops, op)
	}
	return ops
}

func (t *Table) All() []Operation {
	ops := make([]Operation, 0, len(t.byId))
	for _, op := range t.byId {
		ops = append(ops, op)
	}
	return ops
}

func (t *Table) Len() int {
	return len(t.byId)
}

func (t *Table) index(op Operation) {
	t.byId[op.Id()] = op

	clientOps, ok := t.byClient[op.Client()]
	if !ok {
		clientOps = make(map[wire.CorrelationId]Operation)
		t.byClient[op.Client()] = clientOps
	}
	clientOps[op.Id()] = op
}

func (t *Table) unindex(op Operation) {
	delete(t.byId, op.Id())

	if clientOps, ok := t.byClient[op.Client()]; ok {
		delete(clientOps, op.Id())
		if len(clientOps) == 0 {
			delete(t.byClient, op.Client())
		}
	}
}
