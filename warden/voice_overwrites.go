package warden

import (
	"github.com/bwmarrin/discordgo"
)

const (
	allowedRolePermissions = discordgo.PermissionVoiceStreamVideo |
		discordgo.PermissionVoiceConnect |
		discordgo.PermissionVoiceSpeak |
		discordgo.PermissionVoiceUseVAD |
		discordgo.PermissionReadMessageHistory |
		discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages

	creatorPermissions = discordgo.PermissionVoiceMoveMembers |
		discordgo.PermissionViewChannel |
		discordgo.PermissionVoiceConnect |
		discordgo.PermissionSendMessages

	botPermissions = discordgo.PermissionVoiceMoveMembers |
		discordgo.PermissionManageChannels |
		discordgo.PermissionViewChannel

	boosterPermissions = discordgo.PermissionVoiceMoveMembers
)

// buildChannelOverwrites computes the permission overwrites for a new
// temporary voice channel. Deterministic and side-effect-free.
//
// allowedRoleID is the role granted full use of the channel (the
// verified role when configured, otherwise the guild's @everyone
// role). When the allowed role differs from @everyone the channel is
// private: @everyone is denied view. Otherwise the allowed-role entry
// is the @everyone entry, which already grants view; each target ID
// appears at most once. boosterRoleID may be empty when the guild has
// no premium subscriber role.
func buildChannelOverwrites(
	creatorID string,
	botUserID string,
	allowedRoleID string,
	everyoneRoleID string,
	boosterRoleID string,
) []*discordgo.PermissionOverwrite {
	overwrites := []*discordgo.PermissionOverwrite{
		{
			ID:    allowedRoleID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: allowedRolePermissions,
		},
		{
			ID:    creatorID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: creatorPermissions,
		},
		{
			ID:    botUserID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: botPermissions,
		},
	}

	if boosterRoleID != "" {
		overwrites = append(
			overwrites, &discordgo.PermissionOverwrite{
				ID:    boosterRoleID,
				Type:  discordgo.PermissionOverwriteTypeRole,
				Allow: boosterPermissions,
			},
		)
	}

	if allowedRoleID != everyoneRoleID {
		overwrites = append(
			overwrites, &discordgo.PermissionOverwrite{
				ID:   everyoneRoleID,
				Type: discordgo.PermissionOverwriteTypeRole,
				Deny: discordgo.PermissionViewChannel,
			},
		)
	}

	return overwrites
}
