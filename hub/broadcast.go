package hub

import (
	"log/slog"

	"roomchat-server/domain"
)

// Broadcast delivers data to every live session of the room except exclude
// (pass "" to include everyone) and returns the number of successful sends.
// A failed recipient is logged and closed; the rest still receive the event.
func (h *Hub) Broadcast(roomID domain.RoomID, data []byte, exclude domain.SessionID) int {
	delivered := 0
	for _, sess := range h.SessionsOf(roomID) {
		if exclude != "" && sess.ID == exclude {
			continue
		}
		if err := sess.Conn.Send(data); err != nil {
			h.metrics.DeliveryFailed()
			slog.Warn("delivery failed", "room", roomID, "sessionId", sess.ID, "error", err)
			go func(c domain.Connection) {
				_ = c.Close()
			}(sess.Conn)
			continue
		}
		delivered++
	}
	return delivered
}
