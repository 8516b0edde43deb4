package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	// ErrChannelNotFound is returned by a Platform when the channel no longer exists.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrTriggerWithoutCategory means the trigger channel has no parent category.
	ErrTriggerWithoutCategory = errors.New("trigger channel has no category")
	// ErrCategoryNotFound means the configured voice category is missing from a guild.
	ErrCategoryNotFound = errors.New("voice category not found")
)

// Platform is the subset of the chat platform the controller drives.
type Platform interface {
	CreateVoiceChannel(ctx context.Context, guildID string, spec ChannelSpec) (string, error)
	MoveMember(ctx context.Context, guildID, userID, channelID string) error
	FetchChannel(ctx context.Context, guildID, channelID string) (ChannelState, error)
	DeleteChannel(ctx context.Context, channelID string) error
	GuildChannels(ctx context.Context, guildID string) ([]ChannelInfo, error)
}

type ChannelSpec struct {
	Name       string
	ParentID   string
	Overwrites []*discordgo.PermissionOverwrite
}

type ChannelInfo struct {
	ID       string
	GuildID  string
	Name     string
	ParentID string
	Type     discordgo.ChannelType
}

type ChannelState struct {
	ChannelInfo
	Occupants int
}

type Member struct {
	ID          string
	DisplayName string
}

// VoiceStateChange is a member moving between voice locations. Before and
// After are nil when the member was not, or is no longer, in a voice channel.
type VoiceStateChange struct {
	GuildID string
	Member  Member
	Before  *ChannelInfo
	After   *ChannelInfo
}

type ReclaimPath string

const (
	PathEmpty ReclaimPath = "empty"
	PathSweep ReclaimPath = "sweep"
	PathMove  ReclaimPath = "move_failed"
)

type Outcome string

const (
	OutcomeNotRegistered Outcome = "not_registered"
	OutcomeBusy          Outcome = "busy"
	OutcomeGone          Outcome = "gone"
	OutcomeDeleted       Outcome = "deleted"
	OutcomeOccupied      Outcome = "occupied"
	OutcomeFailed        Outcome = "failed"
)

type EventKind string

const (
	EventCreated EventKind = "created"
	EventDeleted EventKind = "deleted"
	EventGone    EventKind = "gone"
)

// Event is one lifecycle transition, emitted to the Journal.
type Event struct {
	Kind      EventKind
	ChannelID string
	GuildID   string
	OwnerID   string
	Name      string
	Path      ReclaimPath
	At        time.Time
}

type Journal interface {
	Append(ctx context.Context, event Event) error
}

type Observer interface {
	ChannelCreated(err error)
	ChannelReclaimed(path ReclaimPath, outcome Outcome)
	SweepCompleted(report SweepReport, took time.Duration)
	ActiveChannels(n int)
}

type SweepReport struct {
	Scanned  int
	Expired  int
	Deleted  int
	Gone     int
	Occupied int
	Busy     int
	Failed   int
}

func (r *SweepReport) count(outcome Outcome) {
	switch outcome {
	case OutcomeDeleted:
		r.Deleted++
	case OutcomeGone:
		r.Gone++
	case OutcomeOccupied:
		r.Occupied++
	case OutcomeBusy, OutcomeNotRegistered:
		r.Busy++
	case OutcomeFailed:
		r.Failed++
	}
}

type noopJournal struct{}

func (noopJournal) Append(context.Context, Event) error { return nil }

type noopObserver struct{}

func (noopObserver) ChannelCreated(error) {}
func (noopObserver) ChannelReclaimed(ReclaimPath, Outcome) {}
func (noopObserver) SweepCompleted(SweepReport, time.Duration) {}
func (noopObserver) ActiveChannels(int) {}
