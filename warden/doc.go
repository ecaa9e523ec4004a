// Package warden implements a Discord community management bot built
// around temporary "join to create" voice channels.
//
// When a member joins a configured trigger channel, Warden creates a
// personal voice channel named after them, moves them into it, and
// posts a control panel the owner can use to adjust the channel (user
// limit, bitrate, bans, privacy reset). The channel is deleted when
// the last member leaves. Members can also claim a channel with
// /claim to get a mute/deafen control panel for its occupants.
//
// Key components of the package include:
//
//   - Warden: The main struct that wires the bot's components together.
//   - Discord: Handles the gateway session and interaction dispatch.
//   - VoiceManager: Creates and removes temporary voice channels.
//   - ClaimManager: Tracks process-local channel claims.
//   - Modmail: Relays DMs to per-user staff threads and back.
//   - Stats: Accumulates per-user activity counters.
//   - NewsFeed: Relays RSS feed entries to configured channels.
//   - API: A secret-keyed IPC server for local tooling.
//
// The bot supports various commands:
//
//   - /setting: Configures per-guild roles and channels.
//   - /ban, /kick, /timeout, /warn: Moderation, with confirmation
//     prompts for the destructive actions.
//   - /modmail: Opens or closes a relay between a user and the mod team.
//   - /claim, /unclaim, /moderate: Voice channel claims.
//   - /stats: Shows a member's recorded activity.
//
// Interactions can be received over the websocket gateway or, when the
// webhook server is enabled, as signed HTTP POSTs from Discord.
package warden
