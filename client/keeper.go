package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/luma/pjlink/protocol"
)

// runKeeper is the keep-alive / pause supervisor. Some PJLink devices
// close an idle TCP session after a narrow timeout, shorter than a
// typical polling interval; while the host is actively polling the
// supervisor refreshes the session with CLSS? whenever it has been idle
// for longer than the keep-alive period. Once the host stops polling for
// 3 minutes the device is considered paused and the session is released.
func (c *Client) runKeeper() {
	defer c.keeper.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return

		case <-ticker.C:
			c.superviseSession()
		}
	}
}

func (c *Client) superviseSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Now().After(c.validStatsDeadline) {
		if !c.paused {
			c.log.Info("Host stopped polling, releasing the TCP session")

			if err := c.transport.Close(); err != nil {
				c.log.Error("Unable to disconnect the TCP session on pause", zap.Error(err))
			}
		}

		c.paused = true
		return
	}

	c.paused = false

	if time.Since(c.lastCommandAt) > c.keepAlive {
		c.log.Debug("Sending session refresh command")

		if _, err := c.sendWithRetry(protocol.ClassQuery.Clone(), protocol.ClassQuery.Tag); err != nil {
			// Keep-alive failures never propagate.
			c.log.Error("Unable to refresh the TCP session", zap.Error(err))
		}
	}
}
