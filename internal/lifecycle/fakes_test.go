package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"crabstack.local/projects/crab-voice/internal/tempchan"
)

type fakeChannel struct {
	info      ChannelInfo
	occupants int
	spec      ChannelSpec
}

type moveCall struct {
	guildID    string
	userID     string
	channelID  string
	registered bool
}

type fakePlatform struct {
	mu       sync.Mutex
	registry *tempchan.Registry
	nextID   int
	channels map[string]*fakeChannel

	createErr error
	moveErr   error
	fetchErr  map[string]error
	deleteErr map[string]error

	creates []ChannelSpec
	moves   []moveCall
	fetches []string
	deletes []string
}

func newFakePlatform(registry *tempchan.Registry) *fakePlatform {
	return &fakePlatform{
		registry:  registry,
		channels:  make(map[string]*fakeChannel),
		fetchErr:  make(map[string]error),
		deleteErr: make(map[string]error),
	}
}

func (p *fakePlatform) addChannel(info ChannelInfo, occupants int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[info.ID] = &fakeChannel{info: info, occupants: occupants}
}

func (p *fakePlatform) setOccupants(channelID string, occupants int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.channels[channelID]; ok {
		ch.occupants = occupants
	}
}

func (p *fakePlatform) removeChannel(channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.channels, channelID)
}

func (p *fakePlatform) exists(channelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.channels[channelID]
	return ok
}

func (p *fakePlatform) CreateVoiceChannel(_ context.Context, guildID string, spec ChannelSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates = append(p.creates, spec)
	if p.createErr != nil {
		return "", p.createErr
	}
	p.nextID++
	id := fmt.Sprintf("voice-%d", p.nextID)
	p.channels[id] = &fakeChannel{
		info: ChannelInfo{
			ID:       id,
			GuildID:  guildID,
			Name:     spec.Name,
			ParentID: spec.ParentID,
			Type:     discordgo.ChannelTypeGuildVoice,
		},
		spec: spec,
	}
	return id, nil
}

func (p *fakePlatform) MoveMember(_ context.Context, guildID, userID, channelID string) error {
	registered := p.registry.Contains(channelID)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.moves = append(p.moves, moveCall{guildID: guildID, userID: userID, channelID: channelID, registered: registered})
	if p.moveErr != nil {
		return p.moveErr
	}
	if ch, ok := p.channels[channelID]; ok {
		ch.occupants++
	}
	return nil
}

func (p *fakePlatform) FetchChannel(_ context.Context, _ string, channelID string) (ChannelState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches = append(p.fetches, channelID)
	if err := p.fetchErr[channelID]; err != nil {
		return ChannelState{}, err
	}
	ch, ok := p.channels[channelID]
	if !ok {
		return ChannelState{}, ErrChannelNotFound
	}
	return ChannelState{ChannelInfo: ch.info, Occupants: ch.occupants}, nil
}

func (p *fakePlatform) DeleteChannel(_ context.Context, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes = append(p.deletes, channelID)
	if err := p.deleteErr[channelID]; err != nil {
		return err
	}
	if _, ok := p.channels[channelID]; !ok {
		return ErrChannelNotFound
	}
	delete(p.channels, channelID)
	return nil
}

func (p *fakePlatform) GuildChannels(_ context.Context, guildID string) ([]ChannelInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChannelInfo, 0, len(p.channels))
	for _, ch := range p.channels {
		if ch.info.GuildID == guildID {
			out = append(out, ch.info)
		}
	}
	return out, nil
}

func (p *fakePlatform) deleteCount(channelID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, id := range p.deletes {
		if id == channelID {
			n++
		}
	}
	return n
}

func (p *fakePlatform) moveCalls() []moveCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]moveCall(nil), p.moves...)
}

func (p *fakePlatform) createCalls() []ChannelSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChannelSpec(nil), p.creates...)
}

type recordingJournal struct {
	mu     sync.Mutex
	events []Event
}

func (j *recordingJournal) Append(_ context.Context, event Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
	return nil
}

func (j *recordingJournal) kinds() []EventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]EventKind, 0, len(j.events))
	for _, event := range j.events {
		out = append(out, event.Kind)
	}
	return out
}

type recordingObserver struct {
	mu       sync.Mutex
	created  int
	reclaims []Outcome
	sweeps   chan SweepReport
	active   int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{sweeps: make(chan SweepReport, 16)}
}

func (o *recordingObserver) ChannelCreated(err error) {
	if err != nil {
		return
	}
	o.mu.Lock()
	o.created++
	o.mu.Unlock()
}

func (o *recordingObserver) ChannelReclaimed(_ ReclaimPath, outcome Outcome) {
	o.mu.Lock()
	o.reclaims = append(o.reclaims, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) SweepCompleted(report SweepReport, _ time.Duration) {
	o.sweeps <- report
}

func (o *recordingObserver) ActiveChannels(n int) {
	o.mu.Lock()
	o.active = n
	o.mu.Unlock()
}

type manualTicker struct {
	ch      chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
}

func (t *manualTicker) Chan() <-chan time.Time {
	return t.ch
}

func (t *manualTicker) Stop() {
	t.once.Do(func() { close(t.stopped) })
}

type testHarness struct {
	registry   *tempchan.Registry
	platform   *fakePlatform
	journal    *recordingJournal
	observer   *recordingObserver
	controller *Controller
	clock      time.Time
	waits      []time.Duration
}

func newHarness() *testHarness {
	registry := tempchan.NewRegistry()
	platform := newFakePlatform(registry)
	h := &testHarness{
		registry: registry,
		platform: platform,
		journal:  &recordingJournal{},
		observer: newRecordingObserver(),
		clock:    time.Date(2026, time.February, 14, 12, 0, 0, 0, time.UTC),
	}
	controller := NewController(registry, platform, DefaultSettings(), log.New(io.Discard, "", 0))
	controller.SetJournal(h.journal)
	controller.SetObserver(h.observer)
	controller.now = func() time.Time { return h.clock }
	controller.wait = func(ctx context.Context, d time.Duration) error {
		h.waits = append(h.waits, d)
		return ctx.Err()
	}
	h.controller = controller
	return h
}

const (
	testGuildID    = "guild-1"
	testCategoryID = "category-1"
	testTriggerID  = "trigger-1"
)

func triggerInfo() ChannelInfo {
	return ChannelInfo{
		ID:       testTriggerID,
		GuildID:  testGuildID,
		Name:     DefaultTriggerChannelName,
		ParentID: testCategoryID,
		Type:     discordgo.ChannelTypeGuildVoice,
	}
}

// registerAged puts a live channel with the given occupancy into both the
// fake platform and the registry, created age ago.
func (h *testHarness) registerAged(channelID string, age time.Duration, occupants int) {
	h.platform.addChannel(ChannelInfo{ID: channelID, GuildID: testGuildID, Name: "🎮 Sala do " + channelID, ParentID: testCategoryID, Type: discordgo.ChannelTypeGuildVoice}, occupants)
	h.registry.Insert(tempchan.Record{ChannelID: channelID, GuildID: testGuildID, OwnerID: "owner-" + channelID, CreatedAt: h.clock.Add(-age)})
}
