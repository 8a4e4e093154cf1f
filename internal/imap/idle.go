package imap

import (
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
)

// IdleTimeout is how long to stay in IDLE before restarting
// (RFC 2177 recommends less than 29 minutes).
const IdleTimeout = 23 * time.Minute

// Idle suspends the worker until the server pushes an update for the
// selected folder, the interrupt channel fires, or the timeout expires.
//
// Servers without IDLE support degrade to a plain sleep on the same
// select, so callers need not distinguish the cases.
func (c *Client) Idle(interrupt <-chan struct{}, timeout time.Duration) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	if timeout <= 0 || timeout > IdleTimeout {
		timeout = IdleTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if !c.caps.Has(imap.CapIdle) {
		select {
		case <-interrupt:
		case <-timer.C:
		case <-c.updates:
		}
		return nil
	}

	idleCmd, err := c.client.Idle()
	if err != nil {
		return fmt.Errorf("failed to start IDLE: %w", err)
	}

	select {
	case <-interrupt:
	case <-timer.C:
	case <-c.updates:
	}

	if err := idleCmd.Close(); err != nil {
		return fmt.Errorf("failed to stop IDLE: %w", err)
	}
	return idleCmd.Wait()
}

// notifyUpdate records a server push without blocking the reader
// goroutine; a full channel already means a wake-up is pending.
func (c *Client) notifyUpdate() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}
