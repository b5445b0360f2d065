// internal/connmgr/drain.go
package connmgr

import (
	"context"
	"time"
)

// kickDrain nudges the drain loop without blocking.
func (m *Manager) kickDrain() {
	select {
	case m.drainCh <- struct{}{}:
	default:
	}
}

// drainLoop pushes queued messages out through the transport whenever the
// connection is up, highest priority first. Send failures requeue the
// message; the queue applies the per-message retry backoff and reports
// permanently failed entries through its own callback.
func (m *Manager) drainLoop() {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-m.stop:
			timer.Stop()
			return
		case <-m.drainCh:
		case <-timer.C:
		}

		for m.State() == Connected {
			msg := m.q.Dequeue()
			if msg == nil {
				break
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := m.tr.Send(ctx, msg.Payload)
			cancel()
			if err != nil {
				m.q.Requeue(msg)
				break
			}
		}

		// Arm a wake-up for the earliest backed-off retry. A send error
		// breaks the inner loop with other messages possibly still
		// sendable; kick immediately so they don't wait for the next
		// enqueue or state change.
		if wait, ok := m.q.NextReady(); ok {
			if wait > 0 {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(wait)
			} else if m.State() == Connected {
				m.kickDrain()
			}
		}
	}
}
