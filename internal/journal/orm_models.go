package journal

import (
	"time"

	"crabstack.local/projects/crab-voice/internal/lifecycle"
)

type eventRow struct {
	Seq        int64     `gorm:"primaryKey;autoIncrement"`
	EventID    string    `gorm:"size:64;uniqueIndex;not null"`
	Kind       string    `gorm:"size:32;not null"`
	ChannelID  string    `gorm:"size:64;index;not null"`
	GuildID    string    `gorm:"size:64;index"`
	OwnerID    string    `gorm:"size:64"`
	Name       string    `gorm:"size:191"`
	Path       string    `gorm:"size:32"`
	OccurredAt time.Time `gorm:"index;not null"`
}

func (eventRow) TableName() string {
	return "voice_channel_events"
}

func eventRowFromEvent(id string, event lifecycle.Event) eventRow {
	return eventRow{
		EventID:    id,
		Kind:       string(event.Kind),
		ChannelID:  event.ChannelID,
		GuildID:    event.GuildID,
		OwnerID:    event.OwnerID,
		Name:       event.Name,
		Path:       string(event.Path),
		OccurredAt: event.At.UTC(),
	}
}

func (r eventRow) toEntry() Entry {
	return Entry{
		ID: r.EventID,
		Event: lifecycle.Event{
			Kind:      lifecycle.EventKind(r.Kind),
			ChannelID: r.ChannelID,
			GuildID:   r.GuildID,
			OwnerID:   r.OwnerID,
			Name:      r.Name,
			Path:      lifecycle.ReclaimPath(r.Path),
			At:        r.OccurredAt.UTC(),
		},
	}
}
