package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/nyxtor/tor-core/pkg/cell"
	"github.com/nyxtor/tor-core/pkg/pool"
)

// pollRetryInterval is how long TransportCellConn sleeps between polls
// when a Transport reports Pending.
const pollRetryInterval = 5 * time.Millisecond

// TransportCellConn adapts a poll-based Transport into the blocking
// circuit.CellConn shape pkg/circuit's Extension and Builder already
// speak, so a host can supply a Transport (SPEC_FULL.md section 6's
// external contract) without pkg/circuit needing to know about polling at
// all. It belongs to exactly one circuit for exactly as long as that
// circuit is checked out: callers must not share a TransportCellConn
// across two checkouts at once.
type TransportCellConn struct {
	ctx         context.Context
	transport   Transport
	linkVersion int
	rt          *Runtime
	inbuf       []byte
}

// NewTransportCellConn wraps transport for use as a circuit.CellConn.
// linkVersion selects the fixed cell width (512 bytes for v3, 514 for
// v4+); VERSIONS cells, which have no circuit ID width, are never sent or
// received through this type (SPEC_FULL.md's link handshake runs once,
// before a circuit owns the transport).
func NewTransportCellConn(ctx context.Context, transport Transport, linkVersion int, rt *Runtime) *TransportCellConn {
	if rt == nil {
		rt = New(nil, nil)
	}
	return &TransportCellConn{ctx: ctx, transport: transport, linkVersion: linkVersion, rt: rt}
}

// SendCell encodes c and polls the transport until every byte is
// accepted.
func (t *TransportCellConn) SendCell(c *cell.Cell) error {
	var buf bytes.Buffer
	if err := c.Encode(&buf, t.linkVersion); err != nil {
		return fmt.Errorf("encode cell: %w", err)
	}
	data := buf.Bytes()

	for len(data) > 0 {
		n, status, err := t.transport.Write(data)
		if err != nil {
			return fmt.Errorf("transport write: %w", err)
		}
		switch status {
		case Closed:
			return io.ErrClosedPipe
		case Ready:
			data = data[n:]
		case Pending:
			if err := t.rt.Sleep(t.ctx, pollRetryInterval); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReceiveCell polls the transport until a full cell has arrived, then
// decodes it.
func (t *TransportCellConn) ReceiveCell() (*cell.Cell, error) {
	cellLen := cell.CellLenV3
	if t.linkVersion >= 4 {
		cellLen = cell.CellLenV4
	}

	chunk := pool.CellBufferPool.Get()
	defer pool.CellBufferPool.Put(chunk)
	for len(t.inbuf) < cellLen {
		n, status, err := t.transport.Read(chunk)
		if err != nil {
			return nil, fmt.Errorf("transport read: %w", err)
		}
		switch status {
		case Closed:
			return nil, io.EOF
		case Ready:
			t.inbuf = append(t.inbuf, chunk[:n]...)
		case Pending:
			if err := t.rt.Sleep(t.ctx, pollRetryInterval); err != nil {
				return nil, err
			}
		}
	}

	decoded, err := cell.DecodeCell(bytes.NewReader(t.inbuf[:cellLen]), t.linkVersion)
	if err != nil {
		return nil, fmt.Errorf("decode cell: %w", err)
	}
	t.inbuf = t.inbuf[cellLen:]
	return decoded, nil
}
