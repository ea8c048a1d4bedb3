// Package etcdkv implements the kvstore.Store contract over
// an etcd backend, using the canonical Go client
// (go.etcd.io/etcd/client/v3). CAS uses etcd's mod-revision comparison
// transactions; locks and ephemeral keys use leases, since etcd has no
// native session concept distinct from a lease.
package etcdkv

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/internal/resilience"
	"github.com/oakfield/driftctl/internal/telemetry"
	"github.com/oakfield/driftctl/pkg/kvstore"
)

// Backend implements kvstore.Store over an etcd cluster.
type Backend struct {
	client *clientv3.Client
	retry  resilience.RetryConfig
}

// New creates a Backend dialing the given etcd endpoints.
func New(endpoints []string, dialTimeout time.Duration) (*Backend, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendUnavailable, "etcdkv.New", "kv.etcd_dial_failed", "creating etcd client", err)
	}
	return &Backend{client: cli, retry: resilience.DefaultRetryConfig}, nil
}

func wrapEtcdErr(op string, err error) error {
	if err == nil {
		return nil
	}
	telemetry.KVBackendErrorsTotal.WithLabelValues(string(apierr.BackendUnavailable)).Inc()
	return apierr.Wrap(apierr.BackendUnavailable, op, "kv.etcd_unavailable", "etcd backend unreachable", err)
}

func entryFromKV(kv *mvccpb.KeyValue) kvstore.Entry {
	return kvstore.Entry{
		Key:         string(kv.Key),
		Value:       kv.Value,
		CreateIndex: uint64(kv.CreateRevision),
		ModifyIndex: uint64(kv.ModRevision),
	}
}

// Get implements kvstore.Store.
func (b *Backend) Get(ctx context.Context, key string) (kvstore.Entry, bool, error) {
	resp, err := resilience.Retry(ctx, "etcdkv.Get", b.retry, 10*time.Millisecond, func(ctx context.Context) (*clientv3.GetResponse, error) {
		r, err := b.client.Get(ctx, key)
		if err != nil {
			return nil, wrapEtcdErr("etcdkv.Get", err)
		}
		return r, nil
	})
	if err != nil {
		return kvstore.Entry{}, false, err
	}
	if len(resp.Kvs) == 0 {
		return kvstore.Entry{}, false, nil
	}
	return entryFromKV(resp.Kvs[0]), true, nil
}

// Put implements kvstore.Store. A non-zero TTL attaches a lease; expiry
// deletes the key automatically.
func (b *Backend) Put(ctx context.Context, key string, value []byte, expectedIndex *uint64, ttl time.Duration) (kvstore.PutResult, error) {
	return resilience.Retry(ctx, "etcdkv.Put", b.retry, 10*time.Millisecond, func(ctx context.Context) (kvstore.PutResult, error) {
		opts, err := b.leaseOpts(ctx, ttl)
		if err != nil {
			return kvstore.PutResult{}, err
		}

		if expectedIndex == nil {
			resp, err := b.client.Put(ctx, key, string(value), opts...)
			if err != nil {
				return kvstore.PutResult{}, wrapEtcdErr("etcdkv.Put", err)
			}
			return kvstore.PutResult{Success: true, ModifyIndex: uint64(resp.Header.Revision)}, nil
		}

		cmp := clientv3.Compare(clientv3.ModRevision(key), "=", int64(*expectedIndex))
		txnResp, err := b.client.Txn(ctx).
			If(cmp).
			Then(clientv3.OpPut(key, string(value), opts...)).
			Commit()
		if err != nil {
			return kvstore.PutResult{}, wrapEtcdErr("etcdkv.Put", err)
		}
		if !txnResp.Succeeded {
			return kvstore.PutResult{Success: false}, apierr.New(apierr.Conflict, "etcdkv.Put", "kv.cas_mismatch", "modifyIndex does not match current value")
		}
		return kvstore.PutResult{Success: true, ModifyIndex: uint64(txnResp.Header.Revision)}, nil
	})
}

func (b *Backend) leaseOpts(ctx context.Context, ttl time.Duration) ([]clientv3.OpOption, error) {
	if ttl <= 0 {
		return nil, nil
	}
	lease, err := b.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return nil, wrapEtcdErr("etcdkv.leaseOpts", err)
	}
	return []clientv3.OpOption{clientv3.WithLease(lease.ID)}, nil
}

// Delete implements kvstore.Store.
func (b *Backend) Delete(ctx context.Context, key string, expectedIndex *uint64) (bool, error) {
	return resilience.Retry(ctx, "etcdkv.Delete", b.retry, 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		if expectedIndex == nil {
			resp, err := b.client.Delete(ctx, key)
			if err != nil {
				return false, wrapEtcdErr("etcdkv.Delete", err)
			}
			return resp.Deleted > 0, nil
		}
		cmp := clientv3.Compare(clientv3.ModRevision(key), "=", int64(*expectedIndex))
		txnResp, err := b.client.Txn(ctx).
			If(cmp).
			Then(clientv3.OpDelete(key)).
			Commit()
		if err != nil {
			return false, wrapEtcdErr("etcdkv.Delete", err)
		}
		return txnResp.Succeeded, nil
	})
}

// List implements kvstore.Store with lexicographic ordering by key, the
// native etcd range order.
func (b *Backend) List(ctx context.Context, prefix string, limit int, fromKey string) ([]kvstore.Entry, error) {
	opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend)}
	rangeKey := prefix
	if fromKey != "" {
		opts = []clientv3.OpOption{clientv3.WithRange(clientv3.GetPrefixRangeEnd(prefix)), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend)}
		rangeKey = fromKey + "\x00" // exclusive lower bound: start just past fromKey
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(int64(limit)))
	}

	return resilience.Retry(ctx, "etcdkv.List", b.retry, 10*time.Millisecond, func(ctx context.Context) ([]kvstore.Entry, error) {
		resp, err := b.client.Get(ctx, rangeKey, opts...)
		if err != nil {
			return nil, wrapEtcdErr("etcdkv.List", err)
		}
		out := make([]kvstore.Entry, 0, len(resp.Kvs))
		for _, kv := range resp.Kvs {
			out = append(out, entryFromKV(kv))
		}
		return out, nil
	})
}

// Txn implements kvstore.Store's all-or-nothing batch. The op translation
// runs inside the retry closure because TTL'd puts grant leases as they
// build; a lease granted by a failed attempt simply expires.
func (b *Backend) Txn(ctx context.Context, ops []kvstore.TxnOp) ([]bool, error) {
	return resilience.Retry(ctx, "etcdkv.Txn", b.retry, 10*time.Millisecond, func(ctx context.Context) ([]bool, error) {
		var cmps []clientv3.Cmp
		var thenOps []clientv3.Op

		for _, op := range ops {
			if op.ExpectedIndex != nil {
				cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(op.Key), "=", int64(*op.ExpectedIndex)))
			}
			switch op.Kind {
			case kvstore.OpPut:
				var putOpts []clientv3.OpOption
				if op.TTL > 0 {
					lease, err := b.client.Grant(ctx, int64(op.TTL.Seconds()))
					if err != nil {
						return nil, wrapEtcdErr("etcdkv.Txn", err)
					}
					putOpts = append(putOpts, clientv3.WithLease(lease.ID))
				}
				thenOps = append(thenOps, clientv3.OpPut(op.Key, string(op.Value), putOpts...))
			case kvstore.OpDelete:
				thenOps = append(thenOps, clientv3.OpDelete(op.Key))
			case kvstore.OpCheckIndex:
				// Already folded into cmps above; no corresponding write.
			}
		}

		resp, err := b.client.Txn(ctx).If(cmps...).Then(thenOps...).Commit()
		if err != nil {
			return nil, wrapEtcdErr("etcdkv.Txn", err)
		}
		results := make([]bool, len(ops))
		if !resp.Succeeded {
			return results, apierr.New(apierr.Conflict, "etcdkv.Txn", "kv.txn_failed", "one or more expectedIndex checks failed; transaction rolled back")
		}
		for i := range results {
			results[i] = true
		}
		return results, nil
	})
}

// WatchPrefix implements kvstore.Store using etcd's native watch stream.
func (b *Backend) WatchPrefix(ctx context.Context, prefix string, handler kvstore.WatchHandler) (kvstore.Cancel, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	watchCh := b.client.Watch(watchCtx, prefix, clientv3.WithPrefix())

	go func() {
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				handler.OnError(wrapEtcdErr("etcdkv.WatchPrefix", err))
				continue
			}
			for _, ev := range resp.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					handler.OnPut(entryFromKV(ev.Kv))
				case clientv3.EventTypeDelete:
					handler.OnDelete(string(ev.Kv.Key), uint64(ev.Kv.ModRevision))
				}
			}
		}
	}()

	return kvstore.Cancel(cancel), nil
}

// AcquireLock implements kvstore.Store using the create-revision-zero
// transaction idiom: a lease-bound key is written only if it does not yet
// exist, so the fencing token (the lease ID) uniquely identifies the
// holder. Lease expiry releases the lock automatically.
func (b *Backend) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return resilience.Retry(ctx, "etcdkv.AcquireLock", b.retry, 10*time.Millisecond, func(ctx context.Context) (string, error) {
		lease, err := b.client.Grant(ctx, int64(ttl.Seconds()))
		if err != nil {
			return "", wrapEtcdErr("etcdkv.AcquireLock", err)
		}
		lockKey := lockKeyFor(key)

		resp, err := b.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(lockKey), "=", 0)).
			Then(clientv3.OpPut(lockKey, fmt.Sprintf("%x", lease.ID), clientv3.WithLease(lease.ID))).
			Commit()
		if err != nil {
			return "", wrapEtcdErr("etcdkv.AcquireLock", err)
		}
		if !resp.Succeeded {
			_, _ = b.client.Revoke(ctx, lease.ID)
			return "", apierr.New(apierr.Conflict, "etcdkv.AcquireLock", "kv.lock_held", "lock is already held")
		}
		return fmt.Sprintf("%x", lease.ID), nil
	})
}

// ReleaseLock implements kvstore.Store: revoking the lease deletes the
// lock key immediately rather than waiting for TTL expiry.
func (b *Backend) ReleaseLock(ctx context.Context, key string, lockID string) (bool, error) {
	var leaseID clientv3.LeaseID
	if _, err := fmt.Sscanf(lockID, "%x", &leaseID); err != nil {
		return false, apierr.Wrap(apierr.InvalidArgument, "etcdkv.ReleaseLock", "kv.bad_lock_id", "lockId is not a valid lease id", err)
	}
	return resilience.Retry(ctx, "etcdkv.ReleaseLock", b.retry, 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		if _, err := b.client.Revoke(ctx, leaseID); err != nil {
			return false, wrapEtcdErr("etcdkv.ReleaseLock", err)
		}
		return true, nil
	})
}

func lockKeyFor(key string) string {
	return "locks/" + key
}

// PutEphemeral implements kvstore.Store: the key is bound to a new lease,
// so it disappears when the lease expires or is explicitly revoked.
func (b *Backend) PutEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return resilience.Retry(ctx, "etcdkv.PutEphemeral", b.retry, 10*time.Millisecond, func(ctx context.Context) (string, error) {
		lease, err := b.client.Grant(ctx, int64(ttl.Seconds()))
		if err != nil {
			return "", wrapEtcdErr("etcdkv.PutEphemeral", err)
		}
		if _, err := b.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
			return "", wrapEtcdErr("etcdkv.PutEphemeral", err)
		}
		return fmt.Sprintf("%x", lease.ID), nil
	})
}
