// Package pipeline implements the request-processing chain a datagram travels
// through once a worker has picked it up.
//
// A Stage that wants processing to continue must call Chain.Next itself; the
// chain never advances on its own. A stage that returns true has taken
// ownership of the exchange ("detached"): the caller must not release the
// context, the stage will do it when it is done.
package pipeline

import (
	"context"
	"time"

	"github.com/marmos91/dittoudp/internal/worker"
	"github.com/marmos91/dittoudp/pkg/registry"
)

// Stage is one step of the chain.
//
// Handle returns true when the stage has taken ownership of the exchange and
// will release the context itself. Returning false (directly or by
// propagating Chain.Next) lets the caller close the exchange. A non-nil error
// is always treated as a failed exchange, never as a detach.
type Stage interface {
	Name() string
	Handle(ctx context.Context, c *Context, chain *Chain) (bool, error)
}

// Reconfigurable is implemented by stages that can absorb a new definition in
// place. Build reuses such a stage across generations when name and type
// match, so long-lived state (connections, buckets, in-flight work) survives
// a reload.
//
// Reconfigure validates def and resolves what it refers to without touching
// the stage. The returned apply installs the new settings and cannot fail;
// until it is called the stage keeps serving with its current settings.
type Reconfigurable interface {
	Stage
	Type() string
	Reconfigure(ctx context.Context, def Definition, env Env) (apply func(), err error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, c *Context, chain *Chain) (bool, error)
}

func (f StageFunc) Name() string { return f.StageName }

func (f StageFunc) Handle(ctx context.Context, c *Context, chain *Chain) (bool, error) {
	return f.Fn(ctx, c, chain)
}

// Definition is the configuration sub-tree of one stage.
type Definition struct {
	// Name identifies the stage instance. Unique within a chain.
	Name string `mapstructure:"name" yaml:"name" validate:"required"`

	// Type selects the factory in the stage registry.
	Type string `mapstructure:"type" yaml:"type" validate:"required"`

	// Options is decoded by the factory.
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// ServerStats is a point-in-time view of the server for stages that report on it.
type ServerStats struct {
	OpenHandles int            `yaml:"open_handles"`
	Datagrams   uint64         `yaml:"datagrams"`
	Rejected    uint64         `yaml:"rejected"`
	ReadErrors  uint64         `yaml:"read_errors"`
	Outcomes    map[string]int `yaml:"outcomes"`
	Uptime      time.Duration  `yaml:"uptime"`
	Pools       []worker.Stats `yaml:"pools"`
}

// Env is what factories may use while building a stage.
type Env struct {
	// Registry holds the named kv stores and archivers.
	Registry *registry.Registry

	// Stats reports live server counters. May be nil.
	Stats func() ServerStats
}
