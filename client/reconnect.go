package client

import (
	"context"
	"time"
)

// lost runs when the endpoint of generation gen reached Closed. Unless the client was
// closed on purpose, a new connection is dialed after ReconnectDelay.
func (c *Client) lost(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	c.ep = nil
	c.logger.Warn("connection lost", "error", err, "retry_in", c.cfg.ReconnectDelay)
	c.schedule(gen)
}

// schedule arms the reconnect timer, replacing any pending one. c.mu must be held.
func (c *Client) schedule(gen uint64) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.reconnect(gen)
	})
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	tr, err := c.dial(ctx)
	cancel()
	if err != nil {
		c.metrics.ReconnectFailed()
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.closed && gen == c.gen {
			c.logger.Warn("reconnect failed", "error", err, "retry_in", c.cfg.ReconnectDelay)
			c.schedule(gen)
		}
		return
	}

	if err := c.attach(tr, gen); err != nil {
		c.logger.Debug("discarding reconnected transport", "error", err)
		return
	}
	c.metrics.Reconnected()
}
