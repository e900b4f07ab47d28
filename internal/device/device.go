// Package device provides the stable identifier this installation reports to
// the server in the X-Device-ID header and the refresh request.
package device

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MetaKey is the meta_kv key holding the device id.
const MetaKey = "device_id"

// MetaStore is the key/value part of the local store.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Provider loads the device id once and hands the same value to every
// caller. The first call reads meta_kv, or creates and persists a new id.
// When the store is unavailable the id lives in memory for the life of the
// process.
type Provider struct {
	meta   MetaStore
	logger *zap.Logger

	mu sync.Mutex
	id string
}

func NewProvider(meta MetaStore, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{meta: meta, logger: logger}
}

// ID returns the device id. It never fails; the error return matches
// transport.DeviceIDFunc.
func (p *Provider) ID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id != "" {
		return p.id, nil
	}

	if p.meta != nil {
		id, ok, err := p.meta.GetMeta(ctx, MetaKey)
		switch {
		case err != nil:
			p.logger.Warn("read device id failed", zap.Error(err))
		case ok && id != "":
			p.id = id
			return p.id, nil
		}
	}

	p.id = uuid.NewString()
	if p.meta != nil {
		if err := p.meta.SetMeta(ctx, MetaKey, p.id); err != nil {
			p.logger.Warn("persist device id failed, keeping it in memory", zap.Error(err))
		}
	}
	p.logger.Info("device id created", zap.String("device_id", p.id))
	return p.id, nil
}
