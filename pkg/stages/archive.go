package stages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/archive"
	"github.com/marmos91/dittoudp/pkg/pipeline"
)

// ReplyArchived prefixes the reply to a successful upload.
const ReplyArchived = "ARCHIVED"

// ArchiveOptions configures the archive stage.
type ArchiveOptions struct {
	// Store names the archiver in the backend registry. Default: default
	Store string `mapstructure:"store"`

	// Path to answer on. Default: /archive
	// Path + "/fetch?key=..." returns an archived payload.
	Path string `mapstructure:"path"`

	// KeyPrefix is prepended to the generated record key. Default: archive/
	KeyPrefix string `mapstructure:"key_prefix"`

	// Timeout bounds one upload. Default: 30s
	Timeout time.Duration `mapstructure:"timeout"`
}

// Archive stores datagrams in an archiver.
//
// Uploads can be slow, so the stage detaches: it returns true right away and
// a background goroutine uploads the payload, replies "ARCHIVED <key>" or
// "ERR <reason>" and closes the exchange itself. The record key is the key
// prefix followed by the transaction id.
type Archive struct {
	name string

	mu       sync.RWMutex
	archiver archive.Archiver
	opts     ArchiveOptions

	inflight sync.WaitGroup
	closed   bool
}

// NewArchive is the archive stage factory.
func NewArchive(_ context.Context, def pipeline.Definition, env pipeline.Env) (pipeline.Stage, error) {
	a := &Archive{name: def.Name}
	apply, err := a.prepare(def, env)
	if err != nil {
		return nil, err
	}
	apply()
	return a, nil
}

func (a *Archive) prepare(def pipeline.Definition, env pipeline.Env) (func(), error) {
	opts := ArchiveOptions{Store: DefaultStore, Path: "/archive", KeyPrefix: "archive/", Timeout: 30 * time.Second}
	if err := pipeline.DecodeOptions(def.Options, &opts); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("archive: timeout must be positive")
	}
	opts.Path = normalizePath(opts.Path, "/archive")

	if env.Registry == nil {
		return nil, fmt.Errorf("archive: no backend registry available")
	}
	archiver, err := env.Registry.GetArchiver(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	return func() {
		a.mu.Lock()
		a.archiver = archiver
		a.opts = opts
		a.mu.Unlock()
	}, nil
}

func (a *Archive) Name() string { return a.name }
func (a *Archive) Type() string { return TypeArchive }

// Reconfigure switches archiver and options. Uploads already running finish
// against the archiver they started with.
func (a *Archive) Reconfigure(_ context.Context, def pipeline.Definition, env pipeline.Env) (func(), error) {
	return a.prepare(def, env)
}

func (a *Archive) Handle(ctx context.Context, c *pipeline.Context, chain *pipeline.Chain) (bool, error) {
	a.mu.RLock()
	archiver, opts := a.archiver, a.opts
	a.mu.RUnlock()

	switch c.Path() {
	case opts.Path:
	case opts.Path + "/fetch":
		return a.fetch(ctx, c, archiver)
	default:
		return chain.Next(ctx, c)
	}

	rec := archive.Record{
		Key:        opts.KeyPrefix + c.ID().String(),
		Payload:    append([]byte(nil), c.Payload()...),
		Sender:     c.Sender().String(),
		ReceivedAt: c.ReceivedAt(),
	}

	// Add under the lock so Close cannot start waiting in between.
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return reply(c, ReplyError+" archive closed")
	}
	a.inflight.Add(1)
	a.mu.RUnlock()

	go a.upload(c, archiver, rec, opts.Timeout)
	return true, nil
}

// upload runs detached from the worker and owns c until it returns.
func (a *Archive) upload(c *pipeline.Context, archiver archive.Archiver, rec archive.Record, timeout time.Duration) {
	defer a.inflight.Done()
	defer func() {
		if err := c.Close(); err != nil {
			logger.Debug("[%s] archive: close exchange: %v", c.ID(), err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	if err := archiver.Archive(ctx, rec); err != nil {
		logger.Warn("[%s] archive: upload of %s from %s failed: %v", c.ID(), rec.Key, rec.Sender, err)
		_, _ = reply(c, ReplyError+" archive failed")
		return
	}

	logger.Debug("[%s] archive: stored %s (%d bytes) in %s", c.ID(), rec.Key, len(rec.Payload), time.Since(start))
	_, _ = reply(c, ReplyArchived+" "+rec.Key)
}

func (a *Archive) fetch(ctx context.Context, c *pipeline.Context, archiver archive.Archiver) (bool, error) {
	key := c.Param("key")
	if key == "" {
		return reply(c, ReplyError+" key is required")
	}

	fetchCtx, cancel := withDeadline(ctx, c)
	defer cancel()

	rec, err := archiver.Fetch(fetchCtx, key)
	if errors.Is(err, archive.ErrNotFound) {
		return reply(c, ReplyNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("archive fetch %q: %w", key, err)
	}

	c.ResetReply()
	_, err = c.Write(rec.Payload)
	return false, err
}

// Close stops accepting uploads and waits for the running ones.
func (a *Archive) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.inflight.Wait()
	return nil
}
