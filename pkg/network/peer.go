package network

import (
	"context"
	"fmt"
	"time"

	"github.com/busybox42/kadnode/pkg/protocol"
)

// exchange opens a connection to address, writes req and reads the single
// response frame. Connections are not reused.
func exchange(ctx context.Context, dialer Dialer, address string, req *protocol.Frame, timeout time.Duration) (*protocol.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// unblock reads if ctx is cancelled before the deadline
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.WriteFrame(conn, req); err != nil {
		return nil, err
	}
	resp, err := protocol.ReadFrame(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	return resp, nil
}
