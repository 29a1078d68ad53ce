package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/cache"
	"github.com/pacnpal/polly-sub001/orchestrator/discord"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
)

const (
	hierarchyRefreshInterval = 15 * time.Minute
	roleCacheTTL             = 5 * time.Minute
)

// HierarchyRefresher periodically snapshots the guilds and text channels the
// bot can see into the database, so the dashboard can offer pickers without
// a chat API round trip per request.
type HierarchyRefresher struct {
	store store.Store
	chat  ChatAPI
	cache cache.Cache
}

func NewHierarchyRefresher(st store.Store, chat ChatAPI, c cache.Cache) *HierarchyRefresher {
	return &HierarchyRefresher{store: st, chat: chat, cache: c}
}

// Run refreshes immediately, then on the interval, until ctx is cancelled.
func (h *HierarchyRefresher) Run(ctx context.Context) {
	h.Refresh(ctx)
	ticker := time.NewTicker(hierarchyRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

// Refresh performs one snapshot pass.
func (h *HierarchyRefresher) Refresh(ctx context.Context) {
	guilds, err := h.chat.Guilds(ctx)
	if err != nil {
		logrus.WithError(err).Warn("hierarchy: guild listing failed")
		return
	}
	for _, g := range guilds {
		if ctx.Err() != nil {
			return
		}
		if err := h.store.UpsertGuild(ctx, &store.Guild{
			ID:      g.ID,
			Name:    g.Name,
			Icon:    g.Icon,
			OwnerID: g.OwnerID,
		}); err != nil {
			logrus.WithError(err).WithField("guild", g.ID).Warn("hierarchy: guild upsert failed")
			continue
		}

		channels, err := h.chat.GuildChannels(ctx, g.ID)
		if err != nil {
			logrus.WithError(err).WithField("guild", g.ID).Warn("hierarchy: channel listing failed")
			continue
		}
		for _, ch := range channels {
			if ch.Type != discord.ChannelTypeGuildText {
				continue
			}
			if err := h.store.UpsertChannel(ctx, &store.Channel{
				ID:       ch.ID,
				GuildID:  g.ID,
				Name:     ch.Name,
				Type:     ch.Type,
				Position: ch.Position,
			}); err != nil {
				logrus.WithError(err).WithField("channel", ch.ID).Warn("hierarchy: channel upsert failed")
			}
		}
	}
	logrus.WithField("guilds", len(guilds)).Debug("hierarchy refreshed")
}

// PingableRoles returns the roles the bot can mention in a guild, cached
// briefly because role lists change rarely but render on every form load.
func (h *HierarchyRefresher) PingableRoles(ctx context.Context, guildID string) ([]discord.Role, error) {
	key := cache.GuildRolesKey(guildID)
	var roles []discord.Role
	if ok, _ := h.cache.GetJSON(ctx, key, &roles); ok {
		return roles, nil
	}
	roles, err := h.chat.GuildRoles(ctx, guildID)
	if err != nil {
		return nil, err
	}
	_ = h.cache.SetJSON(ctx, key, roles, roleCacheTTL)
	return roles, nil
}
