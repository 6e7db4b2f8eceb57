package statestore

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore is a StateStore backend over etcd v3, using the key's
// ModRevision as the CAS version (etcd assigns these itself, so no
// separate version field is stored) and WithPrefix for range scans.
// This is the backend referenced in the teacher's go.mod but never
// wired to a concrete component; here it backs a distributed
// deployment of the state manager across coordinator replicas.
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore wraps an already-connected etcd client.
func NewEtcdStore(client *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

// DialEtcd connects to the given endpoints.
func DialEtcd(endpoints []string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, fmt.Errorf("statestore: dial etcd: %w", err)
	}
	return NewEtcdStore(cli), nil
}

func (e *EtcdStore) Put(ctx context.Context, key string, value []byte) (int64, error) {
	resp, err := e.client.Put(ctx, key, string(value))
	if err != nil {
		return 0, fmt.Errorf("statestore: etcd put %q: %w", key, err)
	}
	return resp.Header.Revision, nil
}

func (e *EtcdStore) Get(ctx context.Context, key string) (Record, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return Record{}, fmt.Errorf("statestore: etcd get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return Record{}, ErrNotFound
	}
	kv := resp.Kvs[0]
	return Record{Key: key, Value: kv.Value, Version: kv.ModRevision}, nil
}

// CAS performs the compare-and-set as a single etcd transaction: the
// write commits only if the key's current ModRevision matches
// expectedVersion (0 meaning "key absent").
func (e *EtcdStore) CAS(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	var cmp clientv3.Cmp
	if expectedVersion == 0 {
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", expectedVersion)
	}

	txn := e.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, string(value))).
		Else(clientv3.OpGet(key))

	resp, err := txn.Commit()
	if err != nil {
		return 0, fmt.Errorf("statestore: etcd cas %q: %w", key, err)
	}
	if !resp.Succeeded {
		return 0, ErrVersionConflict
	}
	return resp.Header.Revision, nil
}

func (e *EtcdStore) Scan(ctx context.Context, prefix string) ([]Record, error) {
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("statestore: etcd scan %q: %w", prefix, err)
	}

	out := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, Record{Key: string(kv.Key), Value: kv.Value, Version: kv.ModRevision})
	}
	return out, nil
}

func (e *EtcdStore) Delete(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("statestore: etcd delete %q: %w", key, err)
	}
	return nil
}

func (e *EtcdStore) Close() error { return e.client.Close() }
