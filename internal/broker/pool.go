package broker

import (
	"fmt"
	"log/slog"
	"sync"
)

// GatewayPool maps gatewayId to its live Broker. Registration is idempotent:
// registering over an existing gatewayId tears down the prior broker first
// (§4.4 Pool).
type GatewayPool struct {
	mu       sync.Mutex
	brokers  map[string]*Broker
}

// NewGatewayPool returns an empty pool.
func NewGatewayPool() *GatewayPool {
	return &GatewayPool{brokers: make(map[string]*Broker)}
}

// Register installs b under gatewayId, closing and replacing whatever
// broker previously held that slot.
func (p *GatewayPool) Register(gatewayID string, b *Broker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prior, ok := p.brokers[gatewayID]; ok {
		if err := prior.Close(); err != nil {
			slog.Warn("broker pool: error closing prior broker", "gatewayId", gatewayID, "err", err)
		}
	}
	p.brokers[gatewayID] = b
}

// Get returns the broker registered for gatewayId, if any.
func (p *GatewayPool) Get(gatewayID string) (*Broker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.brokers[gatewayID]
	return b, ok
}

// Deregister closes and evicts the broker registered for gatewayId.
func (p *GatewayPool) Deregister(gatewayID string) error {
	p.mu.Lock()
	b, ok := p.brokers[gatewayID]
	if ok {
		delete(p.brokers, gatewayID)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	if err := b.Close(); err != nil {
		return fmt.Errorf("broker pool: close %s: %w", gatewayID, err)
	}
	return nil
}

// Len reports the number of registered brokers.
func (p *GatewayPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.brokers)
}
