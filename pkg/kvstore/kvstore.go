// Package kvstore defines a uniform
// Compare-And-Set key-value interface over either a Consul-like or an
// etcd-like backend, used as the authoritative source for per-service
// configuration. Backend implementations live in the kvstore/consulkv and
// kvstore/etcdkv subpackages; this package holds the Store contract, the
// wire-adjacent Entry/Result/TxnOp types, and the raw/utf8/base64 encoding
// helpers for client-submitted values.
package kvstore

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/oakfield/driftctl/internal/apierr"
)

// Entry is a single KV record as returned by Get/List. Stale is set only by
// the fallback decorator, never by a backend: it marks a value served from
// the last-known-good cache while the backend was unreachable.
type Entry struct {
	Key         string
	Value       []byte
	CreateIndex uint64
	ModifyIndex uint64
	Flags       uint64
	Stale       bool
}

// ValueBase64 projects Value as base64 for transport.
func (e Entry) ValueBase64() string {
	return base64.StdEncoding.EncodeToString(e.Value)
}

// PutResult is the outcome of a Put call.
type PutResult struct {
	Success     bool
	ModifyIndex uint64
}

// OpKind is the kind of operation inside a Txn call.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
	OpCheckIndex
)

// TxnOp is one operation within a Txn batch`).
type TxnOp struct {
	Kind          OpKind
	Key           string
	Value         []byte
	ExpectedIndex *uint64 // nil means unconditional (Put) or "must exist" irrelevant (CheckIndex always checks)
	TTL           time.Duration
}

// WatchHandler receives prefix-watch events. Handler methods are invoked in
// the order events occur per key; no ordering is guaranteed across keys.
type WatchHandler interface {
	OnPut(entry Entry)
	OnDelete(key string, version uint64)
	OnError(err error)
}

// Cancel stops a watch started by WatchPrefix.
type Cancel func()

// Store is the uniform KV contract. Backends (consulkv,
// etcdkv) each implement it over their native client, translating the
// native error shape into the apierr taxonomy: an unreachable backend
// becomes BackendUnavailable, a CAS mismatch becomes apierr.Conflict, and
// a bad path becomes InvalidArgument.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, value []byte, expectedIndex *uint64, ttl time.Duration) (PutResult, error)
	Delete(ctx context.Context, key string, expectedIndex *uint64) (bool, error)
	List(ctx context.Context, prefix string, limit int, fromKey string) ([]Entry, error)
	Txn(ctx context.Context, ops []TxnOp) ([]bool, error)
	WatchPrefix(ctx context.Context, prefix string, handler WatchHandler) (Cancel, error)
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key string, lockID string) (bool, error)
	PutEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error)
}

// Encoding names how a client submitted a PUT's value.
type Encoding string

const (
	EncodingRaw    Encoding = "raw"
	EncodingUTF8   Encoding = "utf8"
	EncodingBase64 Encoding = "base64"
)

// DecodeValue turns a client-submitted value + encoding into the raw bytes
// the store persists.
func DecodeValue(value string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, apierr.Wrap(apierr.InvalidArgument, "kvstore.DecodeValue", "kv.bad_base64", "value is not valid base64", err)
		}
		return b, nil
	case EncodingRaw, EncodingUTF8, "":
		return []byte(value), nil
	default:
		return nil, apierr.New(apierr.InvalidArgument, "kvstore.DecodeValue", "kv.bad_encoding", "encoding must be one of raw, utf8, base64")
	}
}
