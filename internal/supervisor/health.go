package supervisor

import (
	"context"
	"time"

	"github.com/ktr0328/orchestrator-core/internal/envelope"
	"github.com/ktr0328/orchestrator-core/pkg/logging"
)

// healthLoop periodically sends the universal ping command to ws and
// restarts the worker if it fails to answer within the configured timeout.
func (s *Supervisor) healthLoop(ctx context.Context, ws *workerState) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			stopping := ws.stopping
			running := ws.cmd != nil
			ws.mu.Unlock()
			if stopping || !running {
				continue
			}
			s.ping(ctx, ws)
		}
	}
}

func (s *Supervisor) ping(ctx context.Context, ws *workerState) {
	ws.mu.Lock()
	target := ws.cmd
	ws.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()

	env := envelope.RequestEnvelope{
		ID:      "health-" + time.Now().UTC().Format(time.RFC3339Nano),
		Worker:  ws.worker,
		Cmd:     envelope.PingCommand,
		Payload: map[string]any{},
	}

	_, err := s.SendRequest(pingCtx, env)
	if err != nil {
		ws.mu.Lock()
		// A ping cut short by a restart, stop or exit of the process it was
		// sent to says nothing about the process running now.
		superseded := ws.cmd != target || ws.restarting || ws.stopping
		if !superseded {
			ws.healthy = false
		}
		ws.mu.Unlock()
		if superseded {
			return
		}
		logging.Warnf("worker %s failed health ping: %v", ws.worker, err)
		s.Restart(ws.worker, "health check failed")
		return
	}

	ws.mu.Lock()
	ws.healthy = true
	ws.mu.Unlock()
}
