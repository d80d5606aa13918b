package ai

import (
	"context"

	"github.com/propertyops/orchestrator/internal/resilience"
)

// ResilientGenerator runs the wrapped generator through a breaker-guarded,
// retried caller. The mock generator is wired without it.
type ResilientGenerator struct {
	Inner  Generator
	Caller *resilience.Caller
}

func (g ResilientGenerator) GenerateReply(ctx context.Context, req Request) (Reply, error) {
	var reply Reply
	err := g.Caller.Do(ctx, func(ctx context.Context) error {
		var err error
		reply, err = g.Inner.GenerateReply(ctx, req)
		return err
	})
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}
