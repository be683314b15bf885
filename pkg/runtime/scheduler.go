package runtime

import (
	"context"
	"fmt"

	"github.com/nyxtor/tor-core/pkg/cell"
	"github.com/nyxtor/tor-core/pkg/circuit"
	"github.com/nyxtor/tor-core/pkg/logger"
	"github.com/nyxtor/tor-core/pkg/stream"
	"github.com/nyxtor/tor-core/pkg/trace"
)

// MaxCellsPerStreamDrive is the per-stream cell budget for a single drive
// tick, so one busy stream cannot starve its circuit-mates.
const MaxCellsPerStreamDrive = 50

// MaxCellsPerCircuitDrive is the per-circuit cell budget for a single
// drive tick, shared across inbound delivery and outbound stream drain.
const MaxCellsPerCircuitDrive = 200

// CircuitDriver round-robins cell traffic between a circuit and its
// streams, one drive tick at a time, instead of dedicating a blocked
// goroutine per stream. It is the only component that checks a circuit
// out of its Manager to touch its cell traffic, and it always returns
// what it checked out, even on error.
type CircuitDriver struct {
	circuits *circuit.Manager
	streams  *stream.Manager
	logger   *logger.Logger
	tracer   *trace.Tracer
}

// NewCircuitDriver creates a driver over circuits and streams. Tracing
// defaults to a no-op exporter; call SetTracer to capture drive-tick spans.
func NewCircuitDriver(circuits *circuit.Manager, streams *stream.Manager, log *logger.Logger) *CircuitDriver {
	if log == nil {
		log = logger.NewDefault()
	}
	return &CircuitDriver{
		circuits: circuits,
		streams:  streams,
		logger:   log.Component("scheduler"),
		tracer:   trace.NewTracer("circuit-driver", trace.NewNoopExporter(), nil),
	}
}

// SetTracer replaces the driver's tracer, e.g. with one backed by a stdout
// or file exporter for diagnostics.
func (d *CircuitDriver) SetTracer(tracer *trace.Tracer) {
	d.tracer = tracer
}

// DriveCircuit runs one drive tick for circuit id: it checks the circuit
// out, drains its inbound relay-cell backlog to the streams that own each
// stream ID, then round-robins outbound data from each of the circuit's
// streams onto the wire as RELAY_DATA cells, and finally returns the
// circuit. Neither the per-stream nor the per-circuit budget is exceeded;
// callers should call DriveCircuit again on a later tick to keep draining
// a circuit that hit its budget.
func (d *CircuitDriver) DriveCircuit(id uint32) (processed int, err error) {
	_, span := d.tracer.StartSpan(context.Background(), "drive_circuit", trace.SpanKindInternal)
	span.SetAttribute("circuit_id", id)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttribute("cells_processed", processed)
		span.End()
	}()

	c, err := d.circuits.Checkout(id)
	if err != nil {
		return 0, fmt.Errorf("checkout circuit %d: %w", id, err)
	}
	defer func() {
		if rerr := d.circuits.Return(c); rerr != nil && err == nil {
			err = rerr
		}
	}()

	budget := MaxCellsPerCircuitDrive

	for budget > 0 {
		relayCell, ok := c.TryReceiveRelayCell()
		if !ok {
			break
		}
		processed++
		budget--
		if relayCell.StreamID == 0 {
			continue
		}
		s, serr := d.streams.GetStream(relayCell.StreamID)
		if serr != nil {
			d.logger.Debug("relay cell for unknown stream", "circuit_id", id, "stream_id", relayCell.StreamID)
			continue
		}
		if serr := s.ReceiveData(relayCell.Data); serr != nil {
			d.logger.Debug("stream receive queue full, dropping cell", "stream_id", relayCell.StreamID, "error", serr)
		}
	}

	for _, s := range d.streams.GetStreamsForCircuit(id) {
		if budget <= 0 {
			break
		}
		sent := 0
		for sent < MaxCellsPerStreamDrive && budget > 0 {
			data, ok := s.TrySend()
			if !ok {
				break
			}
			relayCell := cell.NewRelayCell(s.ID, cell.RelayData, data)
			if serr := c.SendRelayCell(relayCell); serr != nil {
				return processed, fmt.Errorf("send relay cell for stream %d: %w", s.ID, serr)
			}
			sent++
			processed++
			budget--
		}
	}

	return processed, nil
}

// Run drives every circuit id in ids, round robin, once per tick, yielding
// via rt.Sleep(ctx, 0) between ticks so no single circuit's backlog
// monopolizes the loop. It returns when ctx is cancelled.
func (d *CircuitDriver) Run(ctx context.Context, rt *Runtime, ids func() []uint32) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, id := range ids() {
			if _, err := d.DriveCircuit(id); err != nil {
				d.logger.Warn("drive circuit failed", "circuit_id", id, "error", err)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if err := rt.Sleep(ctx, 0); err != nil {
			return err
		}
	}
}
