package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/coregx/notify"
	"github.com/coregx/notify/model"
)

// Mux routes deliveries to the transport registered for their protocol.
type Mux struct {
	mu         sync.RWMutex
	transports map[model.Protocol]notify.Transport
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{transports: make(map[model.Protocol]notify.Transport)}
}

// Handle registers t for the protocols, replacing any previous registration.
func (m *Mux) Handle(t notify.Transport, protocols ...model.Protocol) *Mux {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range protocols {
		m.transports[p] = t
	}
	return m
}

// Deliver implements notify.Transport.
func (m *Mux) Deliver(ctx context.Context, req notify.DeliveryRequest) error {
	m.mu.RLock()
	t, ok := m.transports[req.Protocol]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no transport for protocol %q", req.Protocol)
	}
	return t.Deliver(ctx, req)
}
