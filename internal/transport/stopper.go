package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"streamchat/internal/domain"

	"github.com/gorilla/websocket"
)

// StopGenerating opens the cancellation side channel, sends a cancel frame
// for the in-flight generation, and waits for the backend's "Stopped"
// acknowledgment. The handshake is bounded by StopTimeout; the primary
// connection is paused regardless of the outcome so the UI can always leave
// the streaming state.
func (s *Session) StopGenerating(ctx context.Context, generationID string) error {
	defer s.Pause()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.CancelURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial cancel socket: %w", err)
	}
	defer conn.Close()

	frame := domain.CancelFrame{
		GenerationID: generationID,
		Name:         s.cfg.Flow.Name,
		Tenant:       s.cfg.Flow.Tenant,
		Username:     s.cfg.Flow.Username,
		Token:        s.cfg.Token,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal cancel frame: %w", err)
	}

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send cancel frame: %w", err)
	}

	conn.SetReadDeadline(deadline)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("cancel ack not received: %w", err)
		}
		ev, perr := domain.ParseServerEvent(raw)
		if perr != nil {
			s.logger.Warn("unrecognized frame on cancel socket", "err", perr)
			continue
		}
		if ack, ok := ev.(domain.StopAck); ok && strings.Contains(ack.Detail, domain.StopAckDetail) {
			s.logger.Info("generation cancelled", "generation_id", generationID)
			return nil
		}
	}
}
