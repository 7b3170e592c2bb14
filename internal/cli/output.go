package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prudhvinik1/venuelock/internal/models"
)

// eventPrinter writes stream events as text lines or JSON objects. It keeps
// the first write error.
type eventPrinter struct {
	w      io.Writer
	format string
	err    error
}

func newEventPrinter(w io.Writer, format string) *eventPrinter {
	return &eventPrinter{w: w, format: format}
}

func (p *eventPrinter) print(msg models.BroadcastMessage) {
	if p.err != nil {
		return
	}
	if p.format == "json" {
		p.err = json.NewEncoder(p.w).Encode(msg)
		return
	}
	_, p.err = io.WriteString(p.w, formatEvent(msg))
}

// formatEvent renders one event as human-readable text ending in a newline.
func formatEvent(msg models.BroadcastMessage) string {
	at := time.UnixMilli(msg.Timestamp).Format("15:04:05")

	switch {
	case msg.Type == models.EventLocksInitial || msg.Type == models.EventEventsInitial:
		var snapshot models.Snapshot
		if err := json.Unmarshal(msg.Data, &snapshot); err != nil {
			break
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s %d active lock(s)\n", at, msg.Type, len(snapshot.Locks))
		for _, l := range snapshot.Locks {
			fmt.Fprintf(&b, "  %s/%s %s held by %s until %s\n",
				l.ResourceType, l.ResourceID, l.Action, l.HolderName(), l.ExpiresAt.Local().Format("15:04:05"))
		}
		return b.String()

	case strings.HasPrefix(msg.Type, "lock:"):
		var ev models.LockEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			break
		}
		return fmt.Sprintf("%s %s %s/%s %s by %s until %s\n",
			at, msg.Type, ev.ResourceType, ev.ResourceID, ev.Action, ev.AdminEmail, ev.ExpiresAt.Local().Format("15:04:05"))

	case strings.HasPrefix(msg.Type, "resource:"):
		var ev models.ResourceChange
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			break
		}
		return fmt.Sprintf("%s %s %s/%s\n", at, msg.Type, ev.ResourceType, ev.ResourceID)
	}

	return fmt.Sprintf("%s %s %s\n", at, msg.Type, string(msg.Data))
}
