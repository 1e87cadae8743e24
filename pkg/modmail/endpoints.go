// Copyright 2024-2026 Aiku AI

package modmail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// EndpointSlot is an endpoint in the pool together with the surfaces it
// serves. Every call through the slot holds its send lock.
type EndpointSlot struct {
	endpoint Endpoint
	index    int
	sendLock sync.Mutex

	// surfaces is guarded by the owning Pool's lock.
	surfaces map[string]struct{}
}

func (s *EndpointSlot) Endpoint() Endpoint {
	return s.endpoint
}

// Index is the slot's position in the pool.
func (s *EndpointSlot) Index() int {
	return s.index
}

func (s *EndpointSlot) Send(ctx context.Context, surfaceID string, msg *OutgoingMessage) (MessageRef, error) {
	s.sendLock.Lock()
	defer s.sendLock.Unlock()
	return s.endpoint.Send(ctx, surfaceID, msg)
}

func (s *EndpointSlot) Edit(ctx context.Context, ref MessageRef, msg *OutgoingMessage) error {
	s.sendLock.Lock()
	defer s.sendLock.Unlock()
	return s.endpoint.Edit(ctx, ref, msg)
}

func (s *EndpointSlot) Redact(ctx context.Context, ref MessageRef, marker *Block) error {
	s.sendLock.Lock()
	defer s.sendLock.Unlock()
	return s.endpoint.Redact(ctx, ref, marker)
}

// PoolConfig sizes the endpoint pool.
type PoolConfig struct {
	// SurfacesPerEndpoint is the load at which the pool tries to grow.
	SurfacesPerEndpoint int `yaml:"surfaces_per_endpoint" envconfig:"SURFACES_PER_ENDPOINT"`
	// MaxEndpoints caps how many endpoints the pool will hold.
	MaxEndpoints int `yaml:"max_endpoints" envconfig:"MAX_ENDPOINTS"`
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.SurfacesPerEndpoint <= 0 {
		c.SurfacesPerEndpoint = 15
	}
	if c.MaxEndpoints <= 0 {
		c.MaxEndpoints = 15
	}
	return c
}

// Pool balances surfaces over endpoints. A surface stays on the slot it
// was first assigned to for the life of the process.
type Pool struct {
	source EndpointSource
	cfg    PoolConfig
	log    zerolog.Logger

	lock      sync.Mutex
	slots     []*EndpointSlot
	bySurface map[string]*EndpointSlot
	known     map[string]struct{}
}

func NewPool(source EndpointSource, cfg PoolConfig, log zerolog.Logger) *Pool {
	return &Pool{
		source:    source,
		cfg:       cfg.withDefaults(),
		log:       log.With().Str("component", "endpoint_pool").Logger(),
		bySurface: make(map[string]*EndpointSlot),
		known:     make(map[string]struct{}),
	}
}

// Start loads the platform's existing endpoints, creating one if there are none.
func (p *Pool) Start(ctx context.Context) error {
	endpoints, err := p.source.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to list endpoints: %w", err)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, ep := range endpoints {
		p.addLocked(ep)
	}
	if len(p.slots) == 0 {
		ep, err := p.source.CreateEndpoint(ctx)
		if err != nil {
			return fmt.Errorf("%w: failed to create initial endpoint: %w", ErrNoEndpoints, err)
		}
		p.addLocked(ep)
	}
	p.log.Info().Int("endpoints", len(p.slots)).Msg("Endpoint pool started")
	return nil
}

// Add registers an endpoint discovered after Start. It reports whether the
// endpoint was new.
func (p *Pool) Add(ep Endpoint) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.addLocked(ep) != nil
}

func (p *Pool) addLocked(ep Endpoint) *EndpointSlot {
	if _, ok := p.known[ep.ID()]; ok {
		return nil
	}
	slot := &EndpointSlot{
		endpoint: ep,
		index:    len(p.slots),
		surfaces: make(map[string]struct{}),
	}
	p.slots = append(p.slots, slot)
	p.known[ep.ID()] = struct{}{}
	p.log.Debug().Str("endpoint_id", ep.ID()).Int("slot", slot.index).Msg("Added endpoint")
	return slot
}

// Get returns the slot serving surfaceID, assigning the least-loaded slot
// (lowest index on ties) if the surface has none yet.
func (p *Pool) Get(ctx context.Context, surfaceID string) (*EndpointSlot, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if slot, ok := p.bySurface[surfaceID]; ok {
		return slot, nil
	}
	slot := p.leastLoadedLocked()
	if slot == nil || (len(slot.surfaces) >= p.cfg.SurfacesPerEndpoint && len(p.slots) < p.cfg.MaxEndpoints) {
		if created := p.growLocked(ctx); created != nil {
			slot = created
		}
	}
	if slot == nil {
		return nil, ErrNoEndpoints
	}
	slot.surfaces[surfaceID] = struct{}{}
	p.bySurface[surfaceID] = slot
	p.log.Debug().
		Str("surface_id", surfaceID).
		Int("slot", slot.index).
		Int("load", len(slot.surfaces)).
		Msg("Assigned surface to endpoint")
	return slot, nil
}

func (p *Pool) leastLoadedLocked() *EndpointSlot {
	var best *EndpointSlot
	for _, slot := range p.slots {
		if best == nil || len(slot.surfaces) < len(best.surfaces) {
			best = slot
		}
	}
	return best
}

func (p *Pool) growLocked(ctx context.Context) *EndpointSlot {
	ep, err := p.source.CreateEndpoint(ctx)
	if errors.Is(err, ErrEndpointLimit) {
		p.log.Debug().Msg("Platform can't create more endpoints")
		return nil
	} else if err != nil {
		p.log.Warn().Err(err).Msg("Failed to create endpoint, falling back to least loaded")
		return nil
	}
	slot := p.addLocked(ep)
	if slot == nil {
		p.log.Warn().Str("endpoint_id", ep.ID()).Msg("Platform returned an endpoint that is already pooled")
	}
	return slot
}

// Lookup returns the slot already serving surfaceID without assigning one.
func (p *Pool) Lookup(surfaceID string) (*EndpointSlot, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	slot, ok := p.bySurface[surfaceID]
	return slot, ok
}

// Forget releases the assignment of a surface that no longer exists.
func (p *Pool) Forget(surfaceID string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if slot, ok := p.bySurface[surfaceID]; ok {
		delete(slot.surfaces, surfaceID)
		delete(p.bySurface, surfaceID)
	}
}

// SlotStats describes the load of one slot.
type SlotStats struct {
	Index      int    `json:"index"`
	EndpointID string `json:"endpoint_id"`
	Surfaces   int    `json:"surfaces"`
}

func (p *Pool) Stats() []SlotStats {
	p.lock.Lock()
	defer p.lock.Unlock()
	out := make([]SlotStats, len(p.slots))
	for i, slot := range p.slots {
		out[i] = SlotStats{Index: slot.index, EndpointID: slot.endpoint.ID(), Surfaces: len(slot.surfaces)}
	}
	return out
}
