// Package kv is the small key/value surface the VM inventory and batch job
// queue are built on. EtcdStore is the production implementation.
package kv

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Entry is one key/value pair.
type Entry struct {
	Key      string
	Value    []byte
	Revision int64
	Deleted  bool
}

// Store is implemented by EtcdStore and by in-memory fakes in tests.
type Store interface {
	// List returns every entry under prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	// Put returns the store revision the write landed at.
	Put(ctx context.Context, key string, value []byte) (int64, error)
	// Watch streams changes to key until ctx is cancelled, then closes.
	// A positive rev replays changes made at or after that revision.
	Watch(ctx context.Context, key string, rev int64) <-chan Entry
}

// EtcdStore implements Store on an etcd v3 cluster.
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore connects to the given endpoints.
func NewEtcdStore(endpoints []string, dialTimeout time.Duration) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdStore{client: cli}, nil
}

// Close releases the client.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// List implements Store.
func (s *EtcdStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, entryFromKV(kv, false))
	}
	return out, nil
}

// Put implements Store.
func (s *EtcdStore) Put(ctx context.Context, key string, value []byte) (int64, error) {
	resp, err := s.client.Put(ctx, key, string(value))
	if err != nil {
		return 0, err
	}
	return resp.Header.Revision, nil
}

// Watch implements Store.
func (s *EtcdStore) Watch(ctx context.Context, key string, rev int64) <-chan Entry {
	var opts []clientv3.OpOption
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev))
	}
	out := make(chan Entry)
	go func() {
		defer close(out)
		for resp := range s.client.Watch(ctx, key, opts...) {
			if err := resp.Err(); err != nil {
				return
			}
			for _, ev := range resp.Events {
				select {
				case out <- entryFromKV(ev.Kv, ev.Type == clientv3.EventTypeDelete):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func entryFromKV(kv *mvccpb.KeyValue, deleted bool) Entry {
	if kv == nil {
		return Entry{Deleted: deleted}
	}
	return Entry{
		Key:      string(kv.Key),
		Value:    kv.Value,
		Revision: kv.ModRevision,
		Deleted:  deleted,
	}
}
