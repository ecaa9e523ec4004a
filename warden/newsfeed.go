package warden

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// newsItemRetention is how long relayed entry records are kept for
// deduplication. Feeds cycle entries out well before this, older rows
// only grow the table.
const newsItemRetention = 30 * 24 * time.Hour

// NewsItem records a relayed feed entry, keyed by its GUID so entries
// are posted at most once.
type NewsItem struct {
	ModelUintID
	ModelUnixTime
	GUID  string `json:"guid" gorm:"not null;uniqueIndex"`
	Title string `json:"title" gorm:"type:string"`
	URL   string `json:"url" gorm:"type:string"`
}

func (n NewsItem) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guid", n.GUID),
		slog.String("title", n.Title),
		slog.String("url", n.URL),
	)
}

// NewsFeed polls a feed URL and relays new entries to every guild with
// a configured news channel. Outbound posts are rate limited.
type NewsFeed struct {
	session DiscordSessionHandler
	db      DBI
	config  NewsConfig
	parser  *gofeed.Parser
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newNewsFeed(
	session DiscordSessionHandler,
	db DBI,
	config NewsConfig,
	logger *slog.Logger,
) *NewsFeed {
	if logger == nil {
		logger = slog.Default()
	}
	postsPerMinute := config.PostsPerMinute
	if postsPerMinute <= 0 {
		postsPerMinute = DefaultNewsPostsPerMinute
	}
	return &NewsFeed{
		session: session,
		db:      db,
		config:  config,
		parser:  gofeed.NewParser(),
		limiter: rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(postsPerMinute)),
			1,
		),
		logger: logger.With(loggerNameKey, "news"),
	}
}

// Run polls the feed on the configured interval until the context
// ends. The first poll happens immediately.
func (n *NewsFeed) Run(ctx context.Context) error {
	interval := n.config.PollInterval
	if interval <= 0 {
		interval = DefaultNewsPollInterval
	}

	n.pruneSeen(ctx)
	n.poll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.pruneSeen(ctx)
			n.poll(ctx)
		}
	}
}

// pruneSeen removes deduplication rows past the retention window.
func (n *NewsFeed) pruneSeen(ctx context.Context) {
	cutoff := time.Now().Add(-newsItemRetention).UnixMilli()
	n.db.Lock()
	rv := n.db.DB().WithContext(ctx).Unscoped().Where(
		"created_at < ?", cutoff,
	).Delete(&NewsItem{})
	n.db.Unlock()
	if rv.Error != nil {
		n.logger.ErrorContext(ctx, "error pruning feed items", tint.Err(rv.Error))
		return
	}
	if rv.RowsAffected > 0 {
		n.logger.InfoContext(
			ctx,
			"pruned old feed items",
			"count", rv.RowsAffected,
		)
	}
}

func (n *NewsFeed) poll(ctx context.Context) {
	feed, err := n.parser.ParseURLWithContext(n.config.FeedURL, ctx)
	if err != nil {
		n.logger.ErrorContext(
			ctx,
			"error fetching feed",
			tint.Err(err),
			"feed_url", n.config.FeedURL,
		)
		return
	}

	channels := n.newsChannels(ctx)
	if len(channels) == 0 {
		n.logger.DebugContext(ctx, "no guilds with a news channel configured")
	}

	for _, item := range feed.Items {
		if ctx.Err() != nil {
			return
		}
		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		if guid == "" {
			continue
		}

		seen, checkErr := n.seen(ctx, guid)
		if checkErr != nil {
			n.logger.ErrorContext(ctx, "error checking feed item", tint.Err(checkErr))
			continue
		}
		if seen {
			continue
		}

		record := &NewsItem{GUID: guid, Title: item.Title, URL: item.Link}
		if _, createErr := n.db.Create(ctx, record); createErr != nil {
			n.logger.ErrorContext(ctx, "error recording feed item", tint.Err(createErr))
			continue
		}
		n.logger.InfoContext(ctx, "relaying feed item", "item", record)

		embed := newsEmbed(item)
		for _, channelID := range channels {
			if waitErr := n.limiter.Wait(ctx); waitErr != nil {
				return
			}
			if _, sendErr := n.session.ChannelMessageSendComplex(
				channelID,
				&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
			); sendErr != nil {
				n.logger.WarnContext(
					ctx,
					"error posting feed item",
					tint.Err(sendErr),
					"channel_id", channelID,
				)
			}
		}
	}
}

func (n *NewsFeed) seen(ctx context.Context, guid string) (bool, error) {
	var item NewsItem
	err := n.db.DB().WithContext(ctx).Where("guid = ?", guid).Last(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// newsChannels returns every configured news channel ID, one per guild.
func (n *NewsFeed) newsChannels(ctx context.Context) []string {
	var settings []GuildSetting
	err := n.db.DB().WithContext(ctx).Where(
		"key = ?", SettingNewsChannel,
	).Find(&settings).Error
	if err != nil {
		n.logger.ErrorContext(ctx, "error listing news channels", tint.Err(err))
		return nil
	}
	channels := make([]string, 0, len(settings))
	for _, setting := range settings {
		if setting.Value != "" {
			channels = append(channels, setting.Value)
		}
	}
	return channels
}

func newsEmbed(item *gofeed.Item) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       truncate(item.Title, 256),
		URL:         item.Link,
		Description: truncate(item.Description, 1024),
		Color:       0x1F8B4C,
	}
	if item.PublishedParsed != nil {
		embed.Timestamp = item.PublishedParsed.UTC().Format(time.RFC3339)
	}
	if item.Image != nil && item.Image.URL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: item.Image.URL}
	}
	return embed
}
