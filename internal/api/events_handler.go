package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/quarry/internal/events"
)

const feedKeepAlive = 15 * time.Second

// feedFilter narrows the lifecycle feed for one subscriber. Every set field
// must match.
type feedFilter struct {
	prefixes []string
	job      string
	plugin   string
}

func parseFeedFilter(r *http.Request) feedFilter {
	q := r.URL.Query()
	f := feedFilter{job: q.Get("job"), plugin: q.Get("plugin")}
	for _, p := range q["prefix"] {
		if p = strings.TrimSpace(p); p != "" {
			f.prefixes = append(f.prefixes, p)
		}
	}
	return f
}

// hubPrefix is what the hub itself can filter on. With several prefixes the
// subscription takes everything and matches() does the work.
func (f feedFilter) hubPrefix() string {
	if len(f.prefixes) == 1 {
		return f.prefixes[0]
	}
	return ""
}

func (f feedFilter) matches(ev events.Event) bool {
	if len(f.prefixes) > 0 {
		hit := false
		for _, p := range f.prefixes {
			if strings.HasPrefix(ev.Type, p) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if f.job == "" && f.plugin == "" {
		return true
	}
	var ref struct {
		JobID  string `json:"job_id"`
		Plugin string `json:"plugin"`
	}
	if err := json.Unmarshal(ev.Data, &ref); err != nil {
		return false
	}
	if f.job != "" && ref.JobID != f.job {
		return false
	}
	return f.plugin == "" || ref.Plugin == f.plugin
}

// handleEvents streams the lifecycle feed as server-sent events.
// Query: prefix (repeatable), job, plugin, since. Last-Event-ID wins over since.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := parseFeedFilter(r)
	cursor := eventCursor(r)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published in between is lost.
	ch, unsubscribe := s.events.Subscribe(filter.hubPrefix())
	defer unsubscribe()

	for _, ev := range s.events.SnapshotSince(cursor) {
		cursor = ev.ID
		if !filter.matches(ev) {
			continue
		}
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	tick := time.NewTicker(feedKeepAlive)
	defer tick.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.ID <= cursor || !filter.matches(ev) {
				continue
			}
			cursor = ev.ID
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-tick.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// eventCursor is the last event the client has seen. EventSource sends
// Last-Event-ID only on reconnect, so a first connect may pass ?since=.
func eventCursor(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("since")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE frames one event. Payloads are single-line JSON so one data line
// is enough.
func writeSSE(w io.Writer, ev events.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	_, err := io.WriteString(w, b.String())
	return err
}
