package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/otero/querycache/errs"
)

// PendingMutation is a mutation that was in flight when the process
// stopped, persisted so it can be replayed on restart. This supplements
// the distilled spec (which names only "a queue of pending mutations"
// in §6) with the concrete shape the original Rust implementation
// persists in src/persistence/mod.rs.
type PendingMutation struct {
	ID         string
	SubKey     string
	Variables  []byte
	EnqueuedAt time.Time
}

const queueSubKeyPrefix = "__mutation_queue__/"

// Queue persists a FIFO-ish set of pending mutations behind a
// StorageBackend, keyed by a generated ID rather than by the mutation's
// target key, since the backend's subKey→bytes contract has no notion
// of an ordered list.
type Queue struct {
	backend StorageBackend
}

func NewQueue(backend StorageBackend) *Queue {
	return &Queue{backend: backend}
}

// Enqueue persists pm so it survives a restart before the mutation's
// fetcher has confirmed success.
func (q *Queue) Enqueue(ctx context.Context, subKey string, variables []byte) (PendingMutation, error) {
	pm := PendingMutation{
		ID:         uuid.New().String(),
		SubKey:     subKey,
		Variables:  variables,
		EnqueuedAt: time.Now(),
	}
	data, err := json.Marshal(pm)
	if err != nil {
		return PendingMutation{}, errs.Wrap(errs.Serialization, "encode pending mutation", err)
	}
	if err := q.backend.Store(ctx, queueSubKeyPrefix+pm.ID, data); err != nil {
		return PendingMutation{}, errs.Wrap(errs.Storage, "persist pending mutation", err)
	}
	return pm, nil
}

// Drain returns every pending mutation currently persisted, for replay
// at startup.
func (q *Queue) Drain(ctx context.Context) ([]PendingMutation, error) {
	keys, err := q.backend.ListKeys(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "list pending mutations", err)
	}
	var out []PendingMutation
	for _, k := range keys {
		if len(k) < len(queueSubKeyPrefix) || k[:len(queueSubKeyPrefix)] != queueSubKeyPrefix {
			continue
		}
		data, ok, err := q.backend.Retrieve(ctx, k)
		if err != nil {
			return nil, errs.Wrap(errs.Storage, "retrieve pending mutation", err)
		}
		if !ok {
			continue
		}
		var pm PendingMutation
		if err := json.Unmarshal(data, &pm); err != nil {
			return nil, errs.Wrap(errs.Deserialization, "decode pending mutation", err)
		}
		out = append(out, pm)
	}
	return out, nil
}

// Ack removes a pending mutation once its fetcher has confirmed
// success, so it is not replayed again.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if err := q.backend.Remove(ctx, queueSubKeyPrefix+id); err != nil {
		return errs.Wrap(errs.Storage, "ack pending mutation", err)
	}
	return nil
}
