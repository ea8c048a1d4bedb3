// Package consulkv implements the kvstore.Store contract over a Consul KV
// backend, using the canonical Go client
// (github.com/hashicorp/consul/api). Sessions back both AcquireLock/
// ReleaseLock (via the KV Acquire/Release verbs) and PutEphemeral (a
// session with delete-on-expire behavior).
package consulkv

import (
	"context"
	"time"

	capi "github.com/hashicorp/consul/api"

	"github.com/oakfield/driftctl/internal/apierr"
	"github.com/oakfield/driftctl/internal/resilience"
	"github.com/oakfield/driftctl/internal/telemetry"
	"github.com/oakfield/driftctl/pkg/kvstore"
)

// Backend implements kvstore.Store over a Consul agent/cluster.
type Backend struct {
	client *capi.Client
	retry  resilience.RetryConfig
}

// New creates a Backend dialing addr (host:port of a Consul agent).
func New(addr string) (*Backend, error) {
	cfg := capi.DefaultConfig()
	cfg.Address = addr
	client, err := capi.NewClient(cfg)
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendUnavailable, "consulkv.New", "kv.consul_dial_failed", "creating consul client", err)
	}
	return &Backend{client: client, retry: resilience.DefaultRetryConfig}, nil
}

func wrapConsulErr(op string, err error) error {
	if err == nil {
		return nil
	}
	telemetry.KVBackendErrorsTotal.WithLabelValues(string(apierr.BackendUnavailable)).Inc()
	return apierr.Wrap(apierr.BackendUnavailable, op, "kv.consul_unavailable", "consul backend unreachable", err)
}

// Get implements kvstore.Store.
func (b *Backend) Get(ctx context.Context, key string) (kvstore.Entry, bool, error) {
	pair, err := resilience.Retry(ctx, "consulkv.Get", b.retry, 10*time.Millisecond, func(ctx context.Context) (*capi.KVPair, error) {
		p, _, err := b.client.KV().Get(key, (&capi.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return nil, wrapConsulErr("consulkv.Get", err)
		}
		return p, nil
	})
	if err != nil {
		return kvstore.Entry{}, false, err
	}
	if pair == nil {
		return kvstore.Entry{}, false, nil
	}
	return entryFromPair(pair), true, nil
}

func entryFromPair(p *capi.KVPair) kvstore.Entry {
	return kvstore.Entry{
		Key:         p.Key,
		Value:       p.Value,
		CreateIndex: p.CreateIndex,
		ModifyIndex: p.ModifyIndex,
		Flags:       p.Flags,
	}
}

// Put implements kvstore.Store. TTL is approximated via a session-backed
// key when set — Consul KV entries have no native per-key TTL, only
// session-scoped ephemerality, so a TTL'd Put creates a delete-behavior
// session under the hood (same mechanism PutEphemeral uses explicitly).
// Transient failures retry under the backend's retry policy; a CAS
// mismatch is permanent.
func (b *Backend) Put(ctx context.Context, key string, value []byte, expectedIndex *uint64, ttl time.Duration) (kvstore.PutResult, error) {
	return resilience.Retry(ctx, "consulkv.Put", b.retry, 10*time.Millisecond, func(ctx context.Context) (kvstore.PutResult, error) {
		if ttl > 0 {
			sessionID, err := b.createSession(ctx, ttl, "delete")
			if err != nil {
				return kvstore.PutResult{}, err
			}
			return b.putWithSession(ctx, key, value, expectedIndex, sessionID)
		}
		return b.putWithSession(ctx, key, value, expectedIndex, "")
	})
}

func (b *Backend) putWithSession(ctx context.Context, key string, value []byte, expectedIndex *uint64, session string) (kvstore.PutResult, error) {
	pair := &capi.KVPair{Key: key, Value: value, Session: session}

	if expectedIndex != nil {
		pair.ModifyIndex = *expectedIndex
		ok, _, err := b.client.KV().CAS(pair, (&capi.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return kvstore.PutResult{}, wrapConsulErr("consulkv.Put", err)
		}
		if !ok {
			return kvstore.PutResult{Success: false}, apierr.New(apierr.Conflict, "consulkv.Put", "kv.cas_mismatch", "modifyIndex does not match current value")
		}
		got, _, err := b.client.KV().Get(key, (&capi.QueryOptions{}).WithContext(ctx))
		if err != nil || got == nil {
			return kvstore.PutResult{Success: true}, nil
		}
		return kvstore.PutResult{Success: true, ModifyIndex: got.ModifyIndex}, nil
	}

	_, err := b.client.KV().Put(pair, (&capi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return kvstore.PutResult{}, wrapConsulErr("consulkv.Put", err)
	}
	got, _, err := b.client.KV().Get(key, (&capi.QueryOptions{}).WithContext(ctx))
	if err != nil || got == nil {
		return kvstore.PutResult{Success: true}, nil
	}
	return kvstore.PutResult{Success: true, ModifyIndex: got.ModifyIndex}, nil
}

// Delete implements kvstore.Store.
func (b *Backend) Delete(ctx context.Context, key string, expectedIndex *uint64) (bool, error) {
	return resilience.Retry(ctx, "consulkv.Delete", b.retry, 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		if expectedIndex != nil {
			pair := &capi.KVPair{Key: key, ModifyIndex: *expectedIndex}
			ok, _, err := b.client.KV().DeleteCAS(pair, (&capi.WriteOptions{}).WithContext(ctx))
			if err != nil {
				return false, wrapConsulErr("consulkv.Delete", err)
			}
			return ok, nil
		}
		_, err := b.client.KV().Delete(key, (&capi.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return false, wrapConsulErr("consulkv.Delete", err)
		}
		return true, nil
	})
}

// List implements kvstore.Store. fromKey is applied client-side since the
// Consul API has no native exclusive-lower-bound cursor.
func (b *Backend) List(ctx context.Context, prefix string, limit int, fromKey string) ([]kvstore.Entry, error) {
	return resilience.Retry(ctx, "consulkv.List", b.retry, 10*time.Millisecond, func(ctx context.Context) ([]kvstore.Entry, error) {
		pairs, _, err := b.client.KV().List(prefix, (&capi.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return nil, wrapConsulErr("consulkv.List", err)
		}
		out := make([]kvstore.Entry, 0, len(pairs))
		for _, p := range pairs {
			if fromKey != "" && p.Key <= fromKey {
				continue
			}
			out = append(out, entryFromPair(p))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return out, nil
	})
}

// Txn implements kvstore.Store's all-or-nothing batch.
func (b *Backend) Txn(ctx context.Context, ops []kvstore.TxnOp) ([]bool, error) {
	txnOps := make(capi.KVTxnOps, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case kvstore.OpPut:
			kvOp := &capi.KVTxnOp{Verb: capi.KVSet, Key: op.Key, Value: op.Value}
			if op.ExpectedIndex != nil {
				kvOp.Verb = capi.KVCAS
				kvOp.Index = *op.ExpectedIndex
			}
			txnOps = append(txnOps, kvOp)
		case kvstore.OpDelete:
			kvOp := &capi.KVTxnOp{Verb: capi.KVDelete, Key: op.Key}
			if op.ExpectedIndex != nil {
				kvOp.Verb = capi.KVDeleteCAS
				kvOp.Index = *op.ExpectedIndex
			}
			txnOps = append(txnOps, kvOp)
		case kvstore.OpCheckIndex:
			idx := uint64(0)
			if op.ExpectedIndex != nil {
				idx = *op.ExpectedIndex
			}
			txnOps = append(txnOps, &capi.KVTxnOp{Verb: capi.KVCheckIndex, Key: op.Key, Index: idx})
		}
	}

	return resilience.Retry(ctx, "consulkv.Txn", b.retry, 10*time.Millisecond, func(ctx context.Context) ([]bool, error) {
		ok, resp, _, err := b.client.KV().Txn(txnOps, (&capi.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return nil, wrapConsulErr("consulkv.Txn", err)
		}
		results := make([]bool, len(ops))
		if !ok {
			// All-or-nothing: every op in the batch failed together.
			return results, apierr.New(apierr.Conflict, "consulkv.Txn", "kv.txn_failed", describeTxnErrors(resp))
		}
		for i := range results {
			results[i] = true
		}
		return results, nil
	})
}

func describeTxnErrors(resp *capi.KVTxnResponse) string {
	if resp == nil || len(resp.Errors) == 0 {
		return "transaction rolled back"
	}
	return resp.Errors[0].What
}

// WatchPrefix implements kvstore.Store via repeated Consul blocking queries
// (Consul has no native streaming watch API — a long-poll loop on
// WaitIndex is the idiomatic substitute every Consul client uses).
func (b *Backend) WatchPrefix(ctx context.Context, prefix string, handler kvstore.WatchHandler) (kvstore.Cancel, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		var lastIndex uint64
		seen := make(map[string]kvstore.Entry)
		for {
			select {
			case <-watchCtx.Done():
				return
			default:
			}
			pairs, meta, err := b.client.KV().List(prefix, (&capi.QueryOptions{
				WaitIndex: lastIndex,
				WaitTime:  30 * time.Second,
			}).WithContext(watchCtx))
			if err != nil {
				if watchCtx.Err() != nil {
					return
				}
				handler.OnError(wrapConsulErr("consulkv.WatchPrefix", err))
				time.Sleep(time.Second)
				continue
			}
			lastIndex = meta.LastIndex
			diffAndDispatch(seen, pairs, handler)
		}
	}()
	return kvstore.Cancel(cancel), nil
}

func diffAndDispatch(seen map[string]kvstore.Entry, pairs capi.KVPairs, handler kvstore.WatchHandler) {
	current := make(map[string]kvstore.Entry, len(pairs))
	for _, p := range pairs {
		e := entryFromPair(p)
		current[e.Key] = e
		if prev, ok := seen[e.Key]; !ok || prev.ModifyIndex != e.ModifyIndex {
			handler.OnPut(e)
		}
	}
	for key, prev := range seen {
		if _, ok := current[key]; !ok {
			handler.OnDelete(key, prev.ModifyIndex)
		}
	}
	for k := range seen {
		delete(seen, k)
	}
	for k, v := range current {
		seen[k] = v
	}
}

// AcquireLock implements kvstore.Store using a TTL'd Consul session plus a
// KV Acquire — expiry of the session's TTL invalidates the lock
// automatically.
func (b *Backend) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return resilience.Retry(ctx, "consulkv.AcquireLock", b.retry, 10*time.Millisecond, func(ctx context.Context) (string, error) {
		sessionID, err := b.createSession(ctx, ttl, "release")
		if err != nil {
			return "", err
		}
		pair := &capi.KVPair{Key: key, Session: sessionID}
		ok, _, err := b.client.KV().Acquire(pair, (&capi.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return "", wrapConsulErr("consulkv.AcquireLock", err)
		}
		if !ok {
			_, _ = b.client.Session().Destroy(sessionID, (&capi.WriteOptions{}).WithContext(ctx))
			return "", apierr.New(apierr.Conflict, "consulkv.AcquireLock", "kv.lock_held", "lock is already held")
		}
		return sessionID, nil
	})
}

// ReleaseLock implements kvstore.Store: releasing the KV entry and
// destroying the backing session (fencing: an already-expired session's
// destroy is a no-op, returning false).
func (b *Backend) ReleaseLock(ctx context.Context, key string, lockID string) (bool, error) {
	return resilience.Retry(ctx, "consulkv.ReleaseLock", b.retry, 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		pair := &capi.KVPair{Key: key, Session: lockID}
		ok, _, err := b.client.KV().Release(pair, (&capi.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return false, wrapConsulErr("consulkv.ReleaseLock", err)
		}
		_, _ = b.client.Session().Destroy(lockID, (&capi.WriteOptions{}).WithContext(ctx))
		return ok, nil
	})
}

// PutEphemeral implements kvstore.Store: the key is bound to a new
// delete-behavior session, so it disappears when the session expires or is
// explicitly terminated.
func (b *Backend) PutEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error) {
	return resilience.Retry(ctx, "consulkv.PutEphemeral", b.retry, 10*time.Millisecond, func(ctx context.Context) (string, error) {
		sessionID, err := b.createSession(ctx, ttl, "delete")
		if err != nil {
			return "", err
		}
		if _, err := b.putWithSession(ctx, key, value, nil, sessionID); err != nil {
			return "", err
		}
		return sessionID, nil
	})
}

func (b *Backend) createSession(ctx context.Context, ttl time.Duration, behavior string) (string, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	entry := &capi.SessionEntry{
		TTL:      ttl.String(),
		Behavior: behavior,
	}
	id, _, err := b.client.Session().Create(entry, (&capi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return "", wrapConsulErr("consulkv.createSession", err)
	}
	return id, nil
}
