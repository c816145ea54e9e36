package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"snackkiosk/backend/internal/eventbus"
	"snackkiosk/backend/internal/logging"
)

// handleEvents streams the event bus as server-sent events until the client
// goes away or the bus closes the stream.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := a.events.RegisterClient(r.Context())
	defer a.events.RemoveClient(client.ID())
	log := logging.With().Str("client_id", client.ID()).Logger()
	log.Debug().Msg("event stream opened")

	fmt.Fprint(w, ": connected\n\n")
	fmt.Fprintf(w, "retry: %d\n\n", a.opts.SSERetry.Milliseconds())
	flusher.Flush()

	ticker := time.NewTicker(a.opts.SSEKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Msg("event stream client disconnected")
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-client.Events():
			if !ok {
				log.Debug().Msg("event stream closed by bus")
				return
			}
			if err := writeEvent(w, ev); err != nil {
				log.Debug().Err(err).Msg("event stream write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev eventbus.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data)
	return err
}
