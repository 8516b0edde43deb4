package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"crabstack.local/projects/crab-voice/internal/journal"
	"crabstack.local/projects/crab-voice/internal/lifecycle"
	"crabstack.local/projects/crab-voice/internal/supervisor"
)

type fakeJournal struct {
	mu       sync.Mutex
	entries  []journal.Entry
	err      error
	limits   []int
	channels []string
}

func (f *fakeJournal) ChannelHistory(_ context.Context, channelID string) ([]journal.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channelID)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]journal.Entry, 0, len(f.entries))
	for _, entry := range f.entries {
		if entry.ChannelID == channelID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (f *fakeJournal) Recent(_ context.Context, limit int) ([]journal.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func TestMetricsObserveLifecycle(t *testing.T) {
	m := NewMetrics()

	m.ChannelCreated(nil)
	m.ChannelCreated(nil)
	m.ChannelCreated(errors.New("missing permissions"))
	m.ChannelReclaimed(lifecycle.PathEmpty, lifecycle.OutcomeDeleted)
	m.ChannelReclaimed(lifecycle.PathSweep, lifecycle.OutcomeGone)
	m.ActiveChannels(4)
	m.SweepCompleted(lifecycle.SweepReport{Scanned: 5, Expired: 2, Deleted: 2}, 150*time.Millisecond)
	m.SessionState(supervisor.StateBackingOff)

	if got := testutil.ToFloat64(m.channelsCreated.WithLabelValues("ok")); got != 2 {
		t.Fatalf("expected 2 successful creates, got %v", got)
	}
	if got := testutil.ToFloat64(m.channelsCreated.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed create, got %v", got)
	}
	if got := testutil.ToFloat64(m.channelsReclaimed.WithLabelValues("sweep", "gone")); got != 1 {
		t.Fatalf("expected one sweep gone, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeChannels); got != 4 {
		t.Fatalf("expected 4 active channels, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweepExpired); got != 2 {
		t.Fatalf("expected 2 expired channels, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionState.WithLabelValues("backing_off")); got != 1 {
		t.Fatalf("expected backing_off to be current, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionState.WithLabelValues("connected")); got != 0 {
		t.Fatalf("expected connected to be cleared, got %v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics()
	m.ActiveChannels(3)
	srv := NewServer("127.0.0.1:0", m, nil, log.New(io.Discard, "", 0))

	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "crab_voice_active_channels 3") {
		t.Fatalf("expected active channel gauge in output, got:\n%s", body)
	}
}

func TestHealthzReflectsConnection(t *testing.T) {
	var connected atomic.Bool
	srv := NewServer("127.0.0.1:0", NewMetrics(), func() Status {
		return Status{Connected: connected.Load(), SessionState: "backing_off", ActiveChannels: 1}
	}, log.New(io.Discard, "", 0))

	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while disconnected, got %d", resp.StatusCode)
	}

	connected.Store(true)
	resp, err = ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 while connected, got %d", resp.StatusCode)
	}
	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Connected || status.ActiveChannels != 1 || status.SessionState != "backing_off" {
		t.Fatalf("unexpected status: %+v", status)
	}

	post, err := ts.Client().Post(ts.URL+"/healthz", "text/plain", nil)
	if err != nil {
		t.Fatalf("post healthz: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", post.StatusCode)
	}
}

func TestJournalEndpoint(t *testing.T) {
	srv := NewServer("127.0.0.1:0", NewMetrics(), nil, log.New(io.Discard, "", 0))
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/v1/journal")
	if err != nil {
		t.Fatalf("get journal: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without a journal, got %d", resp.StatusCode)
	}

	reader := &fakeJournal{entries: []journal.Entry{{
		ID: "evt-1",
		Event: lifecycle.Event{
			Kind:      lifecycle.EventDeleted,
			ChannelID: "voice-1",
			GuildID:   "guild-1",
			Path:      lifecycle.PathSweep,
			At:        time.Date(2026, time.February, 14, 12, 0, 0, 0, time.UTC),
		},
	}}}
	srv.SetJournal(reader)

	resp, err = ts.Client().Get(ts.URL + "/v1/journal?limit=9000")
	if err != nil {
		t.Fatalf("get journal: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Events []journalEntry `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode journal: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].Kind != "deleted" || body.Events[0].Path != "sweep" {
		t.Fatalf("unexpected journal body: %+v", body.Events)
	}
	if body.Events[0].At != "2026-02-14T12:00:00Z" {
		t.Fatalf("unexpected timestamp: %q", body.Events[0].At)
	}
	reader.mu.Lock()
	limits := append([]int(nil), reader.limits...)
	reader.mu.Unlock()
	if len(limits) != 1 || limits[0] != maxJournalLimit {
		t.Fatalf("expected limit to be capped, got %v", limits)
	}

	bad, err := ts.Client().Get(ts.URL + "/v1/journal?limit=abc")
	if err != nil {
		t.Fatalf("get journal: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid limit, got %d", bad.StatusCode)
	}

	reader.mu.Lock()
	reader.err = errors.New("database is locked")
	reader.mu.Unlock()
	failed, err := ts.Client().Get(ts.URL + "/v1/journal")
	if err != nil {
		t.Fatalf("get journal: %v", err)
	}
	failed.Body.Close()
	if failed.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 on journal error, got %d", failed.StatusCode)
	}
}

func TestJournalEndpointChannelHistory(t *testing.T) {
	srv := NewServer("127.0.0.1:0", NewMetrics(), nil, log.New(io.Discard, "", 0))
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	at := time.Date(2026, time.February, 14, 12, 0, 0, 0, time.UTC)
	reader := &fakeJournal{entries: []journal.Entry{
		{ID: "evt-1", Event: lifecycle.Event{Kind: lifecycle.EventCreated, ChannelID: "voice-1", At: at}},
		{ID: "evt-2", Event: lifecycle.Event{Kind: lifecycle.EventCreated, ChannelID: "voice-2", At: at}},
		{ID: "evt-3", Event: lifecycle.Event{Kind: lifecycle.EventDeleted, ChannelID: "voice-1", Path: lifecycle.PathEmpty, At: at.Add(time.Minute)}},
	}}
	srv.SetJournal(reader)

	resp, err := ts.Client().Get(ts.URL + "/v1/journal?channel_id=voice-1")
	if err != nil {
		t.Fatalf("get journal: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Events []journalEntry `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode journal: %v", err)
	}
	if len(body.Events) != 2 || body.Events[0].ID != "evt-1" || body.Events[1].ID != "evt-3" {
		t.Fatalf("unexpected channel history: %+v", body.Events)
	}

	reader.mu.Lock()
	channels := append([]string(nil), reader.channels...)
	limits := append([]int(nil), reader.limits...)
	reader.mu.Unlock()
	if len(channels) != 1 || channels[0] != "voice-1" {
		t.Fatalf("expected one history lookup for voice-1, got %v", channels)
	}
	if len(limits) != 0 {
		t.Fatalf("expected recent listing to be skipped, got %v", limits)
	}
}

func TestServerStartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", NewMetrics(), func() Status { return Status{Connected: true} }, log.New(io.Discard, "", 0))

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("expected idempotent stop, got %v", err)
	}
	if srv.Addr() != "" {
		t.Fatalf("expected empty addr after stop")
	}
}

func TestServerStartRequiresAddress(t *testing.T) {
	srv := NewServer(" ", nil, nil, nil)
	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
