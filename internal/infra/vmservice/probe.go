package vmservice

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultPingTimeout = 2 * time.Second

// pingProbe checks that the VM service still answers requests. A wedged VM
// can keep its socket open.
type pingProbe struct {
	Timeout time.Duration
}

func (p pingProbe) Ping(ctx context.Context, c *conn) error {
	if c == nil {
		return errors.New("connection is nil")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := c.call(pingCtx, methodGetVersion, map[string]string{}); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
