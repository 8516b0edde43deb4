package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"crabstack.local/projects/crab-voice/internal/tempchan"
)

const (
	DefaultTriggerChannelName = "➕ Criar Sala"
	DefaultCategoryName       = "🎙 VOZ"
	DefaultChannelPrefix      = "🎮 Sala do"
	DefaultSettleDelay        = time.Second
	DefaultMaxChannelAge      = 24 * time.Hour
	DefaultSweepInterval      = time.Hour
)

const (
	everyoneVoicePermissions = discordgo.PermissionViewChannel | discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak
	ownerVoicePermissions    = discordgo.PermissionManageChannels | discordgo.PermissionVoiceMuteMembers | discordgo.PermissionVoiceDeafenMembers
)

type Settings struct {
	TriggerChannelName string
	CategoryName       string
	ChannelPrefix      string
	SettleDelay        time.Duration
	MaxChannelAge      time.Duration
	SweepInterval      time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		TriggerChannelName: DefaultTriggerChannelName,
		CategoryName:       DefaultCategoryName,
		ChannelPrefix:      DefaultChannelPrefix,
		SettleDelay:        DefaultSettleDelay,
		MaxChannelAge:      DefaultMaxChannelAge,
		SweepInterval:      DefaultSweepInterval,
	}
}

// Controller drives the temporary channel lifecycle. It is the only writer of
// its registry.
type Controller struct {
	registry *tempchan.Registry
	platform Platform
	settings Settings
	logger   *log.Logger

	mu       sync.Mutex
	journal  Journal
	observer Observer
	inflight map[string]struct{}

	sweepMu      sync.Mutex
	sweepRunning bool
	sweepStopCh  chan struct{}
	sweepDoneCh  chan struct{}

	now           func() time.Time
	wait          func(ctx context.Context, d time.Duration) error
	tickerFactory func(interval time.Duration) sweepTicker
}

func NewController(registry *tempchan.Registry, platform Platform, settings Settings, logger *log.Logger) *Controller {
	if registry == nil {
		panic("lifecycle: registry is required")
	}
	if platform == nil {
		panic("lifecycle: platform is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Controller{
		registry: registry,
		platform: platform,
		settings: withDefaults(settings),
		logger:   logger,
		journal:  noopJournal{},
		observer: noopObserver{},
		inflight: make(map[string]struct{}),
		now: func() time.Time {
			return time.Now().UTC()
		},
		wait: sleepContext,
		tickerFactory: func(interval time.Duration) sweepTicker {
			return newRealTicker(interval)
		},
	}
}

func withDefaults(s Settings) Settings {
	defaults := DefaultSettings()
	if strings.TrimSpace(s.TriggerChannelName) == "" {
		s.TriggerChannelName = defaults.TriggerChannelName
	}
	if strings.TrimSpace(s.CategoryName) == "" {
		s.CategoryName = defaults.CategoryName
	}
	if strings.TrimSpace(s.ChannelPrefix) == "" {
		s.ChannelPrefix = defaults.ChannelPrefix
	}
	if s.SettleDelay < 0 {
		s.SettleDelay = 0
	}
	if s.MaxChannelAge <= 0 {
		s.MaxChannelAge = defaults.MaxChannelAge
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = defaults.SweepInterval
	}
	return s
}

func (c *Controller) SetJournal(journal Journal) {
	if journal == nil {
		journal = noopJournal{}
	}
	c.mu.Lock()
	c.journal = journal
	c.mu.Unlock()
}

func (c *Controller) SetObserver(observer Observer) {
	if observer == nil {
		observer = noopObserver{}
	}
	c.mu.Lock()
	c.observer = observer
	c.mu.Unlock()
}

// HandleVoiceStateUpdate routes a voice state change to the creation or the
// deletion path. Failures are logged and end with the event.
func (c *Controller) HandleVoiceStateUpdate(ctx context.Context, change VoiceStateChange) {
	if ctx == nil {
		ctx = context.Background()
	}
	if change.Before != nil && change.After != nil && change.Before.ID == change.After.ID {
		return
	}

	if change.After != nil && change.After.Name == c.settings.TriggerChannelName {
		c.logger.Printf("member joined trigger channel guild_id=%s user_id=%s name=%q", change.GuildID, change.Member.ID, change.Member.DisplayName)
		if _, err := c.CreateTemporaryChannel(ctx, change.GuildID, change.Member, *change.After); err != nil {
			c.logger.Printf("failed to create temporary channel guild_id=%s user_id=%s err=%v", change.GuildID, change.Member.ID, err)
		}
	}

	// No early return: leaving a temporary channel for the trigger still empties it.
	if change.Before != nil && c.registry.Contains(change.Before.ID) {
		c.logger.Printf("member left temporary channel channel_id=%s user_id=%s", change.Before.ID, change.Member.ID)
		if _, err := c.DeleteIfEmpty(ctx, change.Before.ID); err != nil {
			c.logger.Printf("empty check failed channel_id=%s err=%v", change.Before.ID, err)
		}
	}
}

// CreateTemporaryChannel creates a voice channel next to trigger, registers
// it and moves member into it. The record is inserted before the move is
// issued so a departure from the trigger channel never outruns registration.
func (c *Controller) CreateTemporaryChannel(ctx context.Context, guildID string, member Member, trigger ChannelInfo) (tempchan.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		guildID = strings.TrimSpace(trigger.GuildID)
	}
	if guildID == "" {
		return tempchan.Record{}, fmt.Errorf("guild id is required")
	}
	if strings.TrimSpace(member.ID) == "" {
		return tempchan.Record{}, fmt.Errorf("member id is required")
	}

	parentID := strings.TrimSpace(trigger.ParentID)
	if parentID == "" {
		c.logger.Printf("trigger channel has no category guild_id=%s channel_id=%s", guildID, trigger.ID)
		return tempchan.Record{}, ErrTriggerWithoutCategory
	}

	name := c.channelName(member)
	channelID, err := c.platform.CreateVoiceChannel(ctx, guildID, ChannelSpec{
		Name:       name,
		ParentID:   parentID,
		Overwrites: temporaryChannelOverwrites(guildID, member.ID),
	})
	c.currentObserver().ChannelCreated(err)
	if err != nil {
		return tempchan.Record{}, fmt.Errorf("create voice channel: %w", err)
	}

	rec := tempchan.Record{
		ChannelID: channelID,
		GuildID:   guildID,
		OwnerID:   member.ID,
		CreatedAt: c.now(),
	}
	if replaced := c.registry.Insert(rec); replaced {
		c.logger.Printf("duplicate temporary channel registration channel_id=%s owner_id=%s", channelID, member.ID)
	}
	c.currentObserver().ActiveChannels(c.registry.Len())
	c.appendJournal(ctx, Event{
		Kind:      EventCreated,
		ChannelID: channelID,
		GuildID:   guildID,
		OwnerID:   member.ID,
		Name:      name,
		At:        rec.CreatedAt,
	})

	if err := c.platform.MoveMember(ctx, guildID, member.ID, channelID); err != nil {
		c.logger.Printf("failed to move member channel_id=%s user_id=%s err=%v", channelID, member.ID, err)
		if _, reclaimErr := c.reclaim(ctx, rec, PathMove); reclaimErr != nil {
			c.logger.Printf("reclaim after failed move channel_id=%s err=%v", channelID, reclaimErr)
		}
		return rec, fmt.Errorf("move member: %w", err)
	}

	c.logger.Printf("temporary channel created channel_id=%s name=%q owner_id=%s", channelID, name, member.ID)
	return rec, nil
}

// DeleteIfEmpty waits for the settle delay, then deletes the channel when it
// is still registered and has no occupants.
func (c *Controller) DeleteIfEmpty(ctx context.Context, channelID string) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.wait(ctx, c.settings.SettleDelay); err != nil {
		return OutcomeFailed, err
	}

	rec, ok := c.registry.Lookup(channelID)
	if !ok {
		return OutcomeNotRegistered, nil
	}
	return c.reclaim(ctx, rec, PathEmpty)
}

// reclaim re-validates rec against the platform and deletes it when empty.
// Only one reclaim per channel runs at a time; a concurrent attempt reports
// OutcomeBusy without touching the platform.
func (c *Controller) reclaim(ctx context.Context, rec tempchan.Record, path ReclaimPath) (outcome Outcome, err error) {
	if !c.claim(rec.ChannelID) {
		return OutcomeBusy, nil
	}
	defer c.release(rec.ChannelID)
	defer func() {
		c.currentObserver().ChannelReclaimed(path, outcome)
	}()

	if !c.registry.Contains(rec.ChannelID) {
		return OutcomeNotRegistered, nil
	}

	state, err := c.platform.FetchChannel(ctx, rec.GuildID, rec.ChannelID)
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			c.unregister(ctx, rec, EventGone, path)
			c.logger.Printf("temporary channel already gone channel_id=%s path=%s", rec.ChannelID, path)
			return OutcomeGone, nil
		}
		return OutcomeFailed, fmt.Errorf("fetch channel %s: %w", rec.ChannelID, err)
	}

	if state.Occupants > 0 {
		return OutcomeOccupied, nil
	}

	if err := c.platform.DeleteChannel(ctx, rec.ChannelID); err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			c.unregister(ctx, rec, EventGone, path)
			return OutcomeGone, nil
		}
		c.logger.Printf("failed to delete temporary channel channel_id=%s path=%s err=%v", rec.ChannelID, path, err)
		return OutcomeFailed, fmt.Errorf("delete channel %s: %w", rec.ChannelID, err)
	}

	c.unregister(ctx, rec, EventDeleted, path)
	c.logger.Printf("temporary channel deleted channel_id=%s name=%q path=%s", rec.ChannelID, state.Name, path)
	return OutcomeDeleted, nil
}

func (c *Controller) unregister(ctx context.Context, rec tempchan.Record, kind EventKind, path ReclaimPath) {
	c.registry.Remove(rec.ChannelID)
	c.currentObserver().ActiveChannels(c.registry.Len())
	c.appendJournal(ctx, Event{
		Kind:      kind,
		ChannelID: rec.ChannelID,
		GuildID:   rec.GuildID,
		OwnerID:   rec.OwnerID,
		Path:      path,
		At:        c.now(),
	})
}

func (c *Controller) claim(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[channelID]; busy {
		return false
	}
	c.inflight[channelID] = struct{}{}
	return true
}

func (c *Controller) release(channelID string) {
	c.mu.Lock()
	delete(c.inflight, channelID)
	c.mu.Unlock()
}

func (c *Controller) appendJournal(ctx context.Context, event Event) {
	c.mu.Lock()
	journal := c.journal
	c.mu.Unlock()
	if err := journal.Append(ctx, event); err != nil {
		c.logger.Printf("failed to append journal event kind=%s channel_id=%s err=%v", event.Kind, event.ChannelID, err)
	}
}

func (c *Controller) currentObserver() Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observer
}

func (c *Controller) channelName(member Member) string {
	displayName := strings.TrimSpace(member.DisplayName)
	if displayName == "" {
		displayName = member.ID
	}
	return strings.TrimSpace(c.settings.ChannelPrefix) + " " + displayName
}

// temporaryChannelOverwrites lets everyone use the channel and gives the
// owner moderation rights scoped to it. The @everyone role shares the guild id.
func temporaryChannelOverwrites(guildID, ownerID string) []*discordgo.PermissionOverwrite {
	return []*discordgo.PermissionOverwrite{
		{
			ID:    guildID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: everyoneVoicePermissions,
		},
		{
			ID:    ownerID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: ownerVoicePermissions,
		},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
