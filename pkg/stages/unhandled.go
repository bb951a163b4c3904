package stages

import (
	"context"

	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/pipeline"
)

// Unhandled is the terminal stage. It logs datagrams no earlier stage
// answered and lets the transaction close the exchange.
type Unhandled struct {
	name string
}

// NewUnhandled creates the terminal stage.
func NewUnhandled(name string) *Unhandled {
	if name == "" {
		name = TypeUnhandled
	}
	return &Unhandled{name: name}
}

func (u *Unhandled) Name() string { return u.name }

func (u *Unhandled) Handle(_ context.Context, c *pipeline.Context, _ *pipeline.Chain) (bool, error) {
	if !c.Committed() && len(c.Pending()) == 0 {
		logger.Debug("[%s] unhandled datagram from %s: path=%s", c.ID(), c.Sender(), c.Path())
	}
	return false, nil
}
