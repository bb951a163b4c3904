package stages

import (
	"context"
	"fmt"

	"github.com/marmos91/dittoudp/pkg/pipeline"
)

// PingOptions configures the ping stage.
type PingOptions struct {
	// Path to answer on. Default: /ping
	Path string `mapstructure:"path"`

	// Reply is sent back verbatim. Default: pong
	Reply string `mapstructure:"reply"`
}

// Ping answers a liveness probe.
type Ping struct {
	name string
	opts PingOptions
}

// NewPing is the ping stage factory.
func NewPing(_ context.Context, def pipeline.Definition, _ pipeline.Env) (pipeline.Stage, error) {
	opts := PingOptions{Path: "/ping", Reply: "pong"}
	if err := pipeline.DecodeOptions(def.Options, &opts); err != nil {
		return nil, err
	}
	if opts.Reply == "" {
		return nil, fmt.Errorf("ping: reply must not be empty")
	}
	opts.Path = normalizePath(opts.Path, "/ping")
	return &Ping{name: def.Name, opts: opts}, nil
}

func (p *Ping) Name() string { return p.name }

func (p *Ping) Handle(ctx context.Context, c *pipeline.Context, chain *pipeline.Chain) (bool, error) {
	if c.Path() != p.opts.Path {
		return chain.Next(ctx, c)
	}
	return reply(c, p.opts.Reply)
}
