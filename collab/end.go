// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"context"
	"fmt"
)

// EndSession ends the session for every participant. The host's
// content is saved to the external source first, best effort. The
// ended flag is then written and must be confirmed durable locally;
// if that fails after every attempt the error wraps ErrSyncTimeout
// and the session stays ended in memory. The source is told the
// session stopped either way.
//
// Calling it on an already ended session returns nil.
func (c *Controller) EndSession(ctx context.Context) error {
	if !c.session.IsHost {
		return ErrNotHost
	}
	if c.document.Status().Ended {
		return nil
	}
	c.logger.Info("ending session")

	if c.source != nil {
		putCtx, cancel := context.WithTimeout(ctx, c.config.SourceTimeout)
		err := c.source.Put(putCtx, c.document.Text())
		cancel()
		if err != nil {
			c.logger.Warn("saving content before end failed", "error", err)
			c.setSourceErr(fmt.Errorf("saving to content source: %w", err))
		}
	}

	if err := c.document.MarkEnded(); err != nil {
		return fmt.Errorf("marking session ended: %w", err)
	}
	c.poke()

	var flushErr error
	for attempt := 1; attempt <= c.config.FlushAttempts; attempt++ {
		flushCtx, cancel := context.WithTimeout(ctx, c.config.FlushTimeout)
		flushErr = c.cache.Flush(flushCtx)
		cancel()
		if flushErr == nil {
			break
		}
		c.logger.Warn("confirming end failed", "attempt", attempt, "error", flushErr)
		if ctx.Err() != nil {
			break
		}
	}

	if c.source != nil {
		stopCtx, cancel := context.WithTimeout(ctx, c.config.SourceTimeout)
		err := c.source.Stop(stopCtx)
		cancel()
		if err != nil {
			c.logger.Warn("stop notification failed", "error", err)
			c.setSourceErr(fmt.Errorf("notifying session stop: %w", err))
		}
	}

	if flushErr != nil {
		return fmt.Errorf("could not confirm end (%v): %w", flushErr, ErrSyncTimeout)
	}
	c.logger.Info("session ended")
	return nil
}
