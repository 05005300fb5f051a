package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"

	"github.com/docquarry/quarry/pkg/chat"
	"github.com/docquarry/quarry/pkg/pipeline"
)

// streamGrace keeps a finished stream alive long enough for connected
// subscribers to drain the terminal events before removal.
const streamGrace = 30 * time.Second

// Streams bridges the pipeline event hub and per-request chat event
// channels onto SSE connections. Job streams are shared across
// subscribers and replay their history on reconnect; chat streams live
// for one request.
type Streams struct {
	srv     *sse.Server
	tracker *pipeline.Tracker

	mu    sync.Mutex
	piped map[string]struct{}
}

func NewStreams(tracker *pipeline.Tracker) *Streams {
	srv := sse.New()
	srv.AutoReplay = true
	return &Streams{srv: srv, tracker: tracker, piped: map[string]struct{}{}}
}

func (s *Streams) Close() { s.srv.Close() }

// ServeJob streams progress events for one job. The tracker's current
// snapshot is published before live hub events, so a reconnecting client
// always resyncs; terminal events are followed by end.
func (s *Streams) ServeJob(w http.ResponseWriter, r *http.Request, jobID string) error {
	if err := s.ensureJobPipe(r.Context(), jobID); err != nil {
		return err
	}
	s.serveStream(w, r, "job-"+jobID)
	return nil
}

// ensureJobPipe starts the hub-to-stream pipe for a job, once. The hub
// subscription opens before the snapshot read so no live event falls into
// the gap between them; duplicates are harmless because the stream is
// idempotent.
func (s *Streams) ensureJobPipe(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if _, ok := s.piped[jobID]; ok {
		s.mu.Unlock()
		return nil
	}
	events, cancel := s.tracker.Hub().Subscribe(jobID)
	snapshot, err := s.tracker.Snapshot(ctx, jobID)
	if err != nil {
		cancel()
		s.mu.Unlock()
		return err
	}
	s.piped[jobID] = struct{}{}
	s.mu.Unlock()

	stream := "job-" + jobID
	s.srv.CreateStream(stream)

	go func() {
		defer cancel()
		terminal := false
		for _, ev := range snapshot {
			s.publish(stream, string(ev.Kind), ev)
			terminal = terminal || ev.Kind == pipeline.EventEnd
		}
		for !terminal {
			ev, ok := <-events
			if !ok {
				break
			}
			s.publish(stream, string(ev.Kind), ev)
			terminal = ev.Kind == pipeline.EventEnd
		}
		time.AfterFunc(streamGrace, func() {
			s.srv.RemoveStream(stream)
			s.mu.Lock()
			delete(s.piped, jobID)
			s.mu.Unlock()
		})
	}()
	return nil
}

// ServeChat relays one chat turn's events over a throwaway stream. The
// events channel is closed by the orchestrator after its end event; the
// stream is removed shortly after so the client connection terminates.
func (s *Streams) ServeChat(w http.ResponseWriter, r *http.Request, events <-chan chat.Event) {
	stream := "chat-" + uuid.NewString()
	s.srv.CreateStream(stream)

	go func() {
		for ev := range events {
			s.publish(stream, string(ev.Type), ev)
		}
		time.AfterFunc(time.Second, func() { s.srv.RemoveStream(stream) })
	}()

	s.serveStream(w, r, stream)
}

func (s *Streams) publish(stream, kind string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to encode stream event", "stream", stream, "kind", kind, "error", err)
		return
	}
	s.srv.Publish(stream, &sse.Event{Event: []byte(kind), Data: raw})
}

// serveStream hands the connection to the SSE server, pinned to one
// stream regardless of what the client requested.
func (s *Streams) serveStream(w http.ResponseWriter, r *http.Request, stream string) {
	q := r.URL.Query()
	q.Set("stream", stream)
	r.URL.RawQuery = q.Encode()
	s.srv.ServeHTTP(w, r)
}
