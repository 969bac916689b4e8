package executor

import (
	"context"

	"github.com/ibs-source/queue-consumer/internal/message"
)

// Direct runs handlers in the consumer's own process
type Direct struct {
	resolver Resolver
}

// NewDirect creates an in-process executor
func NewDirect(resolver Resolver) *Direct {
	return &Direct{resolver: resolver}
}

// Execute implements the [Executor] interface.
func (d *Direct) Execute(ctx context.Context, msg message.Message) Result {
	h, err := d.resolver.Resolve(msg)
	if err != nil {
		return Failure(err)
	}
	return resultOf(invoke(ctx, h, msg))
}
