package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// EnsureTriggerChannel finds the trigger channel inside the configured voice
// category of guildID, creating it when the category exists but the channel
// does not.
func (c *Controller) EnsureTriggerChannel(ctx context.Context, guildID string) (ChannelInfo, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return ChannelInfo{}, fmt.Errorf("guild id is required")
	}

	channels, err := c.platform.GuildChannels(ctx, guildID)
	if err != nil {
		return ChannelInfo{}, fmt.Errorf("list guild channels: %w", err)
	}

	var category *ChannelInfo
	for i := range channels {
		if channels[i].Type == discordgo.ChannelTypeGuildCategory && channels[i].Name == c.settings.CategoryName {
			category = &channels[i]
			break
		}
	}
	if category == nil {
		c.logger.Printf("voice category not found guild_id=%s category=%q", guildID, c.settings.CategoryName)
		return ChannelInfo{}, ErrCategoryNotFound
	}

	for _, channel := range channels {
		if channel.Type == discordgo.ChannelTypeGuildVoice &&
			channel.Name == c.settings.TriggerChannelName &&
			channel.ParentID == category.ID {
			return channel, nil
		}
	}

	channelID, err := c.platform.CreateVoiceChannel(ctx, guildID, ChannelSpec{
		Name:       c.settings.TriggerChannelName,
		ParentID:   category.ID,
		Overwrites: triggerChannelOverwrites(guildID),
	})
	if err != nil {
		return ChannelInfo{}, fmt.Errorf("create trigger channel: %w", err)
	}
	c.logger.Printf("trigger channel created guild_id=%s channel_id=%s category=%q", guildID, channelID, c.settings.CategoryName)

	return ChannelInfo{
		ID:       channelID,
		GuildID:  guildID,
		Name:     c.settings.TriggerChannelName,
		ParentID: category.ID,
		Type:     discordgo.ChannelTypeGuildVoice,
	}, nil
}

// Members may join the trigger channel but not talk in it.
func triggerChannelOverwrites(guildID string) []*discordgo.PermissionOverwrite {
	return []*discordgo.PermissionOverwrite{
		{
			ID:    guildID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: discordgo.PermissionViewChannel | discordgo.PermissionVoiceConnect,
			Deny:  discordgo.PermissionVoiceSpeak,
		},
	}
}
