package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/pipeline"
)

// AccessLogOptions configures the accesslog stage.
type AccessLogOptions struct {
	// Level is "debug" (default) or "info".
	Level string `mapstructure:"level"`
}

// AccessLog logs one line per exchange after the rest of the chain ran.
type AccessLog struct {
	name string
	logf func(format string, v ...any)
}

// NewAccessLog is the accesslog stage factory.
func NewAccessLog(_ context.Context, def pipeline.Definition, _ pipeline.Env) (pipeline.Stage, error) {
	var opts AccessLogOptions
	if err := pipeline.DecodeOptions(def.Options, &opts); err != nil {
		return nil, err
	}

	a := &AccessLog{name: def.Name}
	switch strings.ToLower(opts.Level) {
	case "", "debug":
		a.logf = logger.Debug
	case "info":
		a.logf = logger.Info
	default:
		return nil, fmt.Errorf("accesslog: unsupported level %q", opts.Level)
	}
	return a, nil
}

func (a *AccessLog) Name() string { return a.name }

func (a *AccessLog) Handle(ctx context.Context, c *pipeline.Context, chain *pipeline.Chain) (bool, error) {
	start := time.Now()
	consumed, err := chain.Next(ctx, c)

	outcome := "closed"
	switch {
	case err != nil:
		outcome = "failed"
	case consumed:
		outcome = "detached"
	}

	a.logf("[%s] %s %s bytes=%d pass=%d outcome=%s took=%s",
		c.ID(), c.Sender(), c.Path(), len(c.Payload()), c.Pass(), outcome, time.Since(start))

	return consumed, err
}
