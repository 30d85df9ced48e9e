//go:build wireinject
// +build wireinject

package replica

import (
	"context"

	"github.com/google/wire"
)

// NewEngine constructs a fully wired replication engine.
func NewEngine(ctx context.Context, config *Config) (*Engine, func(), error) {
	panic(wire.Build(Set))
}
