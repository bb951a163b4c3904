package stages

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/pipeline"
	"github.com/marmos91/dittoudp/pkg/store/kv"
)

// Replies of the kv stage.
const (
	ReplyOK       = "OK"
	ReplyNotFound = "NOT_FOUND"
	ReplyError    = "ERR"
)

// KVOptions configures the kv stage.
type KVOptions struct {
	// Store names the kv store in the backend registry. Default: default
	Store string `mapstructure:"store"`

	// Prefix is the path prefix of the operations. Default: /kv
	Prefix string `mapstructure:"prefix"`

	// ReadOnly rejects put and delete.
	ReadOnly bool `mapstructure:"read_only"`
}

// KV exposes a kv.Store over datagrams:
//
//	/kv/get?key=k          -> value | NOT_FOUND
//	/kv/put?key=k&value=v  -> OK
//	/kv/delete?key=k       -> OK | NOT_FOUND
//	/kv/len                -> number of keys
//
// Client mistakes (bad key, value too large, store full, read-only) are
// answered with "ERR <reason>". Backend failures fail the exchange.
type KV struct {
	name string

	mu    sync.RWMutex
	store kv.Store
	opts  KVOptions
}

// NewKV is the kv stage factory.
func NewKV(_ context.Context, def pipeline.Definition, env pipeline.Env) (pipeline.Stage, error) {
	k := &KV{name: def.Name}
	apply, err := k.prepare(def, env)
	if err != nil {
		return nil, err
	}
	apply()
	return k, nil
}

// prepare resolves def and returns the function installing it.
func (k *KV) prepare(def pipeline.Definition, env pipeline.Env) (func(), error) {
	opts := KVOptions{Store: DefaultStore, Prefix: "/kv"}
	if err := pipeline.DecodeOptions(def.Options, &opts); err != nil {
		return nil, err
	}
	opts.Prefix = strings.TrimSuffix(normalizePath(opts.Prefix, "/kv"), "/")

	if env.Registry == nil {
		return nil, fmt.Errorf("kv: no backend registry available")
	}
	store, err := env.Registry.GetKVStore(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("kv: %w", err)
	}

	return func() {
		k.mu.Lock()
		k.store = store
		k.opts = opts
		k.mu.Unlock()
	}, nil
}

func (k *KV) Name() string { return k.name }
func (k *KV) Type() string { return TypeKV }

// Reconfigure points the stage at a possibly different store.
func (k *KV) Reconfigure(_ context.Context, def pipeline.Definition, env pipeline.Env) (func(), error) {
	return k.prepare(def, env)
}

func (k *KV) Handle(ctx context.Context, c *pipeline.Context, chain *pipeline.Chain) (bool, error) {
	k.mu.RLock()
	store, opts := k.store, k.opts
	k.mu.RUnlock()

	op, ok := strings.CutPrefix(c.Path(), opts.Prefix+"/")
	if !ok {
		return chain.Next(ctx, c)
	}

	opCtx, cancel := withDeadline(ctx, c)
	defer cancel()

	key := c.Param("key")

	switch op {
	case "get":
		value, err := store.Get(opCtx, key)
		if err != nil {
			return k.replyError(c, op, key, err)
		}
		c.ResetReply()
		_, err = c.Write(value)
		return false, err

	case "put":
		if opts.ReadOnly {
			return reply(c, ReplyError+" read-only")
		}
		if err := store.Put(opCtx, key, []byte(c.Param("value"))); err != nil {
			return k.replyError(c, op, key, err)
		}
		return reply(c, ReplyOK)

	case "delete":
		if opts.ReadOnly {
			return reply(c, ReplyError+" read-only")
		}
		if err := store.Delete(opCtx, key); err != nil {
			return k.replyError(c, op, key, err)
		}
		return reply(c, ReplyOK)

	case "len":
		n, err := store.Len(opCtx)
		if err != nil {
			return k.replyError(c, op, key, err)
		}
		return reply(c, strconv.Itoa(n))

	default:
		return reply(c, ReplyError+" unknown operation")
	}
}

func (k *KV) replyError(c *pipeline.Context, op, key string, err error) (bool, error) {
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return reply(c, ReplyNotFound)
	case errors.Is(err, kv.ErrInvalidKey),
		errors.Is(err, kv.ErrValueTooLarge),
		errors.Is(err, kv.ErrStoreFull):
		logger.Debug("[%s] kv %s %q: %v", c.ID(), op, key, err)
		return reply(c, ReplyError+" "+err.Error())
	default:
		return false, fmt.Errorf("kv %s %q: %w", op, key, err)
	}
}
