// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package load

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	pingByte = '_'
	stopByte = 'X'
)

// ContextSwitchLoad wakes a peer every period by writing a byte to ping and
// waits for its reply on pong. Each side counts the exchanges it observes.
// The peer is told to stop with a sentinel byte when ctx is done.
func ContextSwitchLoad(ctx context.Context, period time.Duration, counter *atomic.Uint64, ping io.Writer, pong io.Reader) error {
	buf := []byte{pingByte}
	for ctx.Err() == nil {
		buf[0] = pingByte
		if _, err := ping.Write(buf); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		if _, err := io.ReadFull(pong, buf); err != nil {
			return fmt.Errorf("pong failed: %w", err)
		}
		counter.Add(1)

		if !sleep(ctx, period) {
			break
		}
	}

	buf[0] = stopByte
	if _, err := ping.Write(buf); err != nil {
		return fmt.Errorf("failed to stop peer: %w", err)
	}
	return nil
}

// RunPeer answers every ping until the sentinel byte arrives or ping is
// closed
func RunPeer(ping io.Reader, pong io.Writer, counter *atomic.Uint64) error {
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(ping, buf); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if buf[0] == stopByte {
			return nil
		}
		counter.Add(1)
		if _, err := pong.Write(buf); err != nil {
			return err
		}
	}
}
