// Package circuit provides circuit building functionality for the Tor protocol.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nyxtor/tor-core/pkg/logger"
	"github.com/nyxtor/tor-core/pkg/path"
)

// Dialer opens a cell-level connection to a relay address. Builder depends
// on this rather than dialing TCP/TLS itself, so the host supplies
// whatever transport it has available (WebSocket, WebTransport, a raw TCP
// dial in a test harness) without the circuit package needing to know
// which.
type Dialer interface {
	Dial(ctx context.Context, address string) (CellConn, error)
}

// Builder constructs Tor circuits through the network
type Builder struct {
	logger  *logger.Logger
	manager *Manager
	dialer  Dialer
	mu      sync.Mutex
}

// NewBuilder creates a new circuit builder that opens connections via dialer.
func NewBuilder(manager *Manager, dialer Dialer, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.NewDefault()
	}

	return &Builder{
		logger:  log.Component("builder"),
		manager: manager,
		dialer:  dialer,
	}
}

// BuildCircuit builds a complete 3-hop circuit using the provided path:
// dial the guard, CREATE2 to it, then EXTEND2 through it to the middle and
// exit relays in turn.
func (b *Builder) BuildCircuit(ctx context.Context, p *path.Path, timeout time.Duration) (*Circuit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info("building circuit",
		"guard", p.Guard.Nickname,
		"middle", p.Middle.Nickname,
		"exit", p.Exit.Nickname)

	circuit, err := b.manager.CreateCircuit()
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit: %w", err)
	}

	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	guardAddr := fmt.Sprintf("%s:%d", p.Guard.Address, p.Guard.ORPort)
	conn, err := b.dialer.Dial(buildCtx, guardAddr)
	if err != nil {
		circuit.SetState(StateFailed)
		return nil, fmt.Errorf("failed to connect to guard: %w", err)
	}
	circuit.SetConnection(conn)

	ext := NewExtension(circuit, b.logger)

	if err := ext.CreateFirstHop(buildCtx, p.Guard); err != nil {
		circuit.SetState(StateFailed)
		return nil, fmt.Errorf("failed to create first hop: %w", err)
	}
	b.logger.Info("connected to guard", "guard", p.Guard.Nickname)

	if err := ext.ExtendCircuit(buildCtx, p.Middle); err != nil {
		circuit.SetState(StateFailed)
		return nil, fmt.Errorf("failed to extend to middle: %w", err)
	}
	b.logger.Info("extended to middle", "middle", p.Middle.Nickname)

	if err := ext.ExtendCircuit(buildCtx, p.Exit); err != nil {
		circuit.SetState(StateFailed)
		return nil, fmt.Errorf("failed to extend to exit: %w", err)
	}
	b.logger.Info("extended to exit", "exit", p.Exit.Nickname)

	circuit.SetState(StateOpen)
	b.logger.Info("circuit built successfully", "circuit_id", circuit.ID, "hops", circuit.Length())

	return circuit, nil
}
