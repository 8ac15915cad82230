package app

import (
	"context"

	"tutordash/internal/registry"
	logx "tutordash/pkg/logx"
)

// lifecycle keeps the registry in step with sockets opening and closing
// on the local hub.
type lifecycle struct {
	reg *registry.Registry
	log logx.Logger
}

func (l lifecycle) OnConnect(ctx context.Context, connectionID, userEmail string) error {
	_, err := l.reg.Register(ctx, connectionID, userEmail)
	return err
}

func (l lifecycle) OnDisconnect(ctx context.Context, connectionID string) {
	if _, err := l.reg.Unregister(ctx, connectionID); err != nil {
		l.log.Warn("unregister on disconnect failed", logx.String("connection_id", connectionID), logx.Err(err))
	}
}
