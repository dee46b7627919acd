// Package storage provides durable record storage for issueflow using
// NATS JetStream KV. Every mutation is a compare-and-swap on the entry
// revision, so concurrent writers can never both succeed on the same key.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each record type.
const (
	BucketTasks     = "ISSUEFLOW_TASKS"
	BucketWorkflows = "ISSUEFLOW_WORKFLOWS"
	BucketWorkers   = "ISSUEFLOW_WORKERS"
)

// Entry is a stored value together with the revision needed to update it.
type Entry struct {
	Value    []byte
	Revision uint64
}

// Bucket is the per-key atomic storage contract. JetStream KV is the
// production implementation; an in-memory implementation backs tests.
type Bucket interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Create stores a new key and returns its revision, or ErrConflict
	// if the key already exists.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update overwrites key only if its current revision matches rev,
	// returning the new revision or ErrConflict.
	Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists all keys in the bucket.
	Keys(ctx context.Context) ([]string, error)
}

// Stores bundles the three record stores the control plane needs.
type Stores struct {
	Tasks     Bucket
	Workflows Bucket
	Workers   Bucket
}

// NewStores creates the issueflow KV buckets if needed and returns them.
func NewStores(ctx context.Context, js jetstream.JetStream) (*Stores, error) {
	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}

	workflows, err := getOrCreateBucket(ctx, js, BucketWorkflows)
	if err != nil {
		return nil, fmt.Errorf("create workflows bucket: %w", err)
	}

	workers, err := getOrCreateBucket(ctx, js, BucketWorkers)
	if err != nil {
		return nil, fmt.Errorf("create workers bucket: %w", err)
	}

	return &Stores{
		Tasks:     &kvBucket{kv: tasks},
		Workflows: &kvBucket{kv: workflows},
		Workers:   &kvBucket{kv: workers},
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Issueflow %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// kvBucket adapts a jetstream.KeyValue to the Bucket interface.
type kvBucket struct {
	kv jetstream.KeyValue
}

func (b *kvBucket) Get(ctx context.Context, key string) (Entry, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("kv get %s: %w", key, err)
	}
	return Entry{Value: entry.Value(), Revision: entry.Revision()}, nil
}

func (b *kvBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

func (b *kvBucket) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	newRev, err := b.kv.Update(ctx, key, value, rev)
	if err != nil {
		if isWrongRevision(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return newRev, nil
}

func (b *kvBucket) Delete(ctx context.Context, key string) error {
	if err := b.kv.Delete(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

func (b *kvBucket) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

// isWrongRevision detects a CAS failure on Update. The server reports it
// as a wrong-last-sequence API error without a dedicated sentinel.
func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}
