package stages

import (
	"context"

	"github.com/marmos91/dittoudp/pkg/pipeline"
)

// EchoOptions configures the echo stage.
type EchoOptions struct {
	// Path to answer on. Default: /echo
	Path string `mapstructure:"path"`

	// Raw replies the whole payload instead of the msg parameter.
	Raw bool `mapstructure:"raw"`
}

// Echo sends the request back to the sender.
type Echo struct {
	name string
	opts EchoOptions
}

// NewEcho is the echo stage factory.
func NewEcho(_ context.Context, def pipeline.Definition, _ pipeline.Env) (pipeline.Stage, error) {
	opts := EchoOptions{Path: "/echo"}
	if err := pipeline.DecodeOptions(def.Options, &opts); err != nil {
		return nil, err
	}
	opts.Path = normalizePath(opts.Path, "/echo")
	return &Echo{name: def.Name, opts: opts}, nil
}

func (e *Echo) Name() string { return e.name }

func (e *Echo) Handle(ctx context.Context, c *pipeline.Context, chain *pipeline.Chain) (bool, error) {
	if c.Path() != e.opts.Path {
		return chain.Next(ctx, c)
	}

	c.ResetReply()
	if e.opts.Raw {
		_, err := c.Write(c.Payload())
		return false, err
	}
	return reply(c, c.Param("msg"))
}
