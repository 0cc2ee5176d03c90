package network

import "time"

const (
	connTimeout  = 10 * time.Second
	idleTimeout  = 2 * time.Minute
	writeTimeout = 10 * time.Second

	// handleTimeout caps how long a single inbound request may run,
	// including any lookup it forwards.
	handleTimeout = 30 * time.Second

	initialBackoff = 100 * time.Millisecond
)
