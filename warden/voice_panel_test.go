package warden

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwnerID = "owner-1"

// panelFixture registers vc-1 as a managed channel owned by owner-1.
func panelFixture(t *testing.T) (*Warden, *mockDiscordSession) {
	t.Helper()
	w, session := newTestWarden(t)
	_, err := w.db.Create(
		context.Background(),
		&TempVoiceChannel{
			ChannelID: testVoiceChannelID,
			GuildID:   testGuildID,
			OwnerID:   testOwnerID,
		},
	)
	require.NoError(t, err)
	session.channels[testVoiceChannelID] = &discordgo.Channel{
		ID:      testVoiceChannelID,
		GuildID: testGuildID,
		Type:    discordgo.ChannelTypeGuildVoice,
	}
	return w, session
}

func panelClick(userID string, action string) *discordgo.InteractionCreate {
	return componentInteraction(
		testGuildID,
		userID,
		testVoiceChannelID,
		newCustomID(panelComponentPrefix, action),
		0,
	)
}

// selectSubmit builds a select menu submission carrying values.
func selectSubmit(
	userID string,
	action string,
	values ...string,
) *discordgo.InteractionCreate {
	i := panelClick(userID, action)
	i.Data = discordgo.MessageComponentInteractionData{
		CustomID:      newCustomID(panelComponentPrefix, action),
		ComponentType: discordgo.SelectMenuComponent,
		Values:        values,
	}
	return i
}

func TestControlPanelMessage(t *testing.T) {
	msg := controlPanelMessage(testOwnerID)
	assert.Contains(t, msg.Content, fmt.Sprintf("<@%s>", testOwnerID))
	require.Len(t, msg.Components, 3)

	labels := map[string]bool{}
	for _, row := range msg.Components {
		actionsRow, ok := row.(discordgo.ActionsRow)
		require.True(t, ok)
		for _, c := range actionsRow.Components {
			button, buttonOK := c.(*discordgo.Button)
			require.True(t, buttonOK)
			labels[button.Label] = true
		}
	}
	for _, label := range []string{
		"User Limit", "Bitrate", "Reset Permissions",
		"Ban User", "Ban Role", "Unban", "Claim Channel",
	} {
		assert.True(t, labels[label], "missing button %q", label)
	}
}

func TestPanelRejectsNonOwner(t *testing.T) {
	w, _ := panelFixture(t)

	i := panelClick("intruder", panelActionLimit)
	handler := newRecordingHandler(t, i)
	w.handlePanelComponent(context.Background(), handler, i, panelActionLimit)

	assert.Equal(
		t,
		fmt.Sprintf("Only the channel owner <@%s> can do that.", testOwnerID),
		handler.lastContent(t),
	)
}

func TestPanelUnmanagedChannel(t *testing.T) {
	w, _ := newTestWarden(t)

	i := panelClick(testOwnerID, panelActionLimit)
	handler := newRecordingHandler(t, i)
	w.handlePanelComponent(context.Background(), handler, i, panelActionLimit)

	assert.Equal(
		t, "This isn't a managed temporary channel.", handler.lastContent(t),
	)
}

func TestPanelClaim(t *testing.T) {
	ctx := context.Background()

	t.Run(
		"owner absent, present member claims", func(t *testing.T) {
			w, _ := panelFixture(t)
			joinVoice(w, testGuildID, "u2", testVoiceChannelID)

			i := panelClick("u2", panelActionClaim)
			handler := newRecordingHandler(t, i)
			w.handlePanelComponent(ctx, handler, i, panelActionClaim)

			assert.Contains(t, handler.lastContent(t), "<@u2> now owns")
			row, err := w.db.GetVoiceChannel(ctx, testVoiceChannelID)
			require.NoError(t, err)
			assert.Equal(t, "u2", row.OwnerID)
		},
	)

	t.Run(
		"claimant not in the channel", func(t *testing.T) {
			w, _ := panelFixture(t)

			i := panelClick("ghost", panelActionClaim)
			handler := newRecordingHandler(t, i)
			w.handlePanelComponent(ctx, handler, i, panelActionClaim)

			assert.Equal(
				t,
				"You need to be in the voice channel to do that.",
				handler.lastContent(t),
			)
			row, err := w.db.GetVoiceChannel(ctx, testVoiceChannelID)
			require.NoError(t, err)
			assert.Equal(t, testOwnerID, row.OwnerID)
		},
	)

	t.Run(
		"claimant in a different channel", func(t *testing.T) {
			w, _ := panelFixture(t)
			joinVoice(w, testGuildID, "u2", "vc-elsewhere")

			i := panelClick("u2", panelActionClaim)
			handler := newRecordingHandler(t, i)
			w.handlePanelComponent(ctx, handler, i, panelActionClaim)

			assert.Equal(
				t,
				"You need to be in the voice channel to do that.",
				handler.lastContent(t),
			)
		},
	)

	t.Run(
		"owner still present", func(t *testing.T) {
			w, _ := panelFixture(t)
			joinVoice(w, testGuildID, testOwnerID, testVoiceChannelID)
			joinVoice(w, testGuildID, "u2", testVoiceChannelID)

			i := panelClick("u2", panelActionClaim)
			handler := newRecordingHandler(t, i)
			w.handlePanelComponent(ctx, handler, i, panelActionClaim)

			assert.Contains(t, handler.lastContent(t), "still owns this channel")
			row, err := w.db.GetVoiceChannel(ctx, testVoiceChannelID)
			require.NoError(t, err)
			assert.Equal(t, testOwnerID, row.OwnerID)
		},
	)

	t.Run(
		"owner clicking their own claim button", func(t *testing.T) {
			w, _ := panelFixture(t)
			i := panelClick(testOwnerID, panelActionClaim)
			handler := newRecordingHandler(t, i)
			w.handlePanelComponent(ctx, handler, i, panelActionClaim)

			assert.Equal(
				t, "You already own this channel.", handler.lastContent(t),
			)
		},
	)
}

func TestPanelBanUser(t *testing.T) {
	w, session := panelFixture(t)
	ctx := context.Background()
	joinVoice(w, testGuildID, "u2", testVoiceChannelID)

	// the owner and the bot slip into the selection but are skipped
	i := selectSubmit(
		testOwnerID, panelSelectBanUser, "u2", testOwnerID, testBotUserID,
	)
	handler := newRecordingHandler(t, i)
	w.handlePanelComponent(ctx, handler, i, panelSelectBanUser)

	require.Len(t, session.permissionSets, 1)
	set := session.permissionSets[0]
	assert.Equal(t, testVoiceChannelID, set.ChannelID)
	assert.Equal(t, "u2", set.TargetID)
	assert.Equal(t, discordgo.PermissionOverwriteTypeMember, set.TargetType)
	assert.Zero(t, set.Allow)
	assert.Equal(t, panelBanMask, set.Deny)

	// the banned member was in the channel, so they get disconnected
	require.Len(t, session.moves, 1)
	assert.Equal(t, "u2", session.moves[0].UserID)
	assert.Nil(t, session.moves[0].ChannelID)

	assert.Equal(
		t, "Banned from this channel: <@u2>", handler.lastContent(t),
	)
}

func TestPanelBanRole(t *testing.T) {
	w, session := panelFixture(t)
	ctx := context.Background()

	// u3 carries the banned role and is connected
	vs := voiceStateUpdate(testGuildID, "u3", testVoiceChannelID)
	vs.Member.Roles = []string{"role-x"}
	w.voice.HandleVoiceStateUpdate(ctx, vs)

	i := selectSubmit(testOwnerID, panelSelectBanRole, "role-x")
	handler := newRecordingHandler(t, i)
	w.handlePanelComponent(ctx, handler, i, panelSelectBanRole)

	require.Len(t, session.permissionSets, 1)
	assert.Equal(t, "role-x", session.permissionSets[0].TargetID)
	assert.Equal(
		t,
		discordgo.PermissionOverwriteTypeRole,
		session.permissionSets[0].TargetType,
	)

	require.Len(t, session.moves, 1)
	assert.Equal(t, "u3", session.moves[0].UserID)
	assert.Nil(t, session.moves[0].ChannelID)

	assert.Equal(
		t, "Banned from this channel: <@&role-x>", handler.lastContent(t),
	)
}

func TestPanelUnbanPrompt(t *testing.T) {
	ctx := context.Background()

	t.Run(
		"nobody banned", func(t *testing.T) {
			w, session := panelFixture(t)
			// the @everyone privacy deny doesn't count as a ban
			session.channels[testVoiceChannelID].PermissionOverwrites = []*discordgo.PermissionOverwrite{
				{
					ID:   testGuildID,
					Type: discordgo.PermissionOverwriteTypeRole,
					Deny: int64(discordgo.PermissionViewChannel),
				},
			}

			i := panelClick(testOwnerID, panelActionUnban)
			handler := newRecordingHandler(t, i)
			w.handlePanelComponent(ctx, handler, i, panelActionUnban)
			assert.Equal(
				t,
				"Nobody is banned from this channel.",
				handler.lastContent(t),
			)
		},
	)

	t.Run(
		"lists banned entries", func(t *testing.T) {
			w, session := panelFixture(t)
			session.channels[testVoiceChannelID].PermissionOverwrites = []*discordgo.PermissionOverwrite{
				{
					ID:   "u2",
					Type: discordgo.PermissionOverwriteTypeMember,
					Deny: panelBanMask,
				},
				{
					ID:   "role-x",
					Type: discordgo.PermissionOverwriteTypeRole,
					Deny: panelBanMask,
				},
				{
					ID:    testOwnerID,
					Type:  discordgo.PermissionOverwriteTypeMember,
					Allow: creatorPermissions,
				},
			}

			i := panelClick(testOwnerID, panelActionUnban)
			handler := newRecordingHandler(t, i)
			w.handlePanelComponent(ctx, handler, i, panelActionUnban)

			response := handler.lastResponse(t)
			require.Len(t, response.Data.Components, 1)
			row := response.Data.Components[0].(discordgo.ActionsRow)
			selectMenu := row.Components[0].(*discordgo.SelectMenu)
			require.Len(t, selectMenu.Options, 2)
			assert.Equal(t, "user/u2", selectMenu.Options[0].Value)
			assert.Equal(t, "role/role-x", selectMenu.Options[1].Value)
		},
	)

	t.Run(
		"too many to list", func(t *testing.T) {
			w, session := panelFixture(t)
			var overwrites []*discordgo.PermissionOverwrite
			for n := 0; n < maxUnbanEntries+1; n++ {
				overwrites = append(
					overwrites, &discordgo.PermissionOverwrite{
						ID:   fmt.Sprintf("banned-%03d", n),
						Type: discordgo.PermissionOverwriteTypeMember,
						Deny: panelBanMask,
					},
				)
			}
			session.channels[testVoiceChannelID].PermissionOverwrites = overwrites

			i := panelClick(testOwnerID, panelActionUnban)
			handler := newRecordingHandler(t, i)
			w.handlePanelComponent(ctx, handler, i, panelActionUnban)
			assert.Contains(t, handler.lastContent(t), "too many to list")
		},
	)
}

func TestPanelApplyUnban(t *testing.T) {
	w, session := panelFixture(t)

	i := selectSubmit(
		testOwnerID, panelSelectUnban, "user/u2", "role/role-x", "garbage",
	)
	handler := newRecordingHandler(t, i)
	w.handlePanelComponent(context.Background(), handler, i, panelSelectUnban)

	require.Len(t, session.permissionDeletes, 2)
	assert.Equal(t, "u2", session.permissionDeletes[0].TargetID)
	assert.Equal(t, "role-x", session.permissionDeletes[1].TargetID)
	assert.Equal(t, "Removed 2 ban(s).", handler.lastContent(t))
}

func TestPanelReset(t *testing.T) {
	w, session := panelFixture(t)
	session.channels[testVoiceChannelID].PermissionOverwrites = []*discordgo.PermissionOverwrite{
		// ban entry with nothing else: removed entirely
		{
			ID:   "u2",
			Type: discordgo.PermissionOverwriteTypeMember,
			Deny: panelBanMask,
		},
		// mixed entry: view/connect stripped, the rest kept
		{
			ID:    "role-x",
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: panelBanMask | int64(discordgo.PermissionSendMessages),
		},
		// untouched entry: no view/connect bits, left alone
		{
			ID:    "role-y",
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: int64(discordgo.PermissionSendMessages),
		},
	}

	i := panelClick(testOwnerID, panelActionReset)
	handler := newRecordingHandler(t, i)
	w.handlePanelComponent(context.Background(), handler, i, panelActionReset)

	require.Len(t, session.permissionDeletes, 1)
	assert.Equal(t, "u2", session.permissionDeletes[0].TargetID)

	require.Len(t, session.permissionSets, 1)
	set := session.permissionSets[0]
	assert.Equal(t, "role-x", set.TargetID)
	assert.Equal(t, int64(discordgo.PermissionSendMessages), set.Allow)
	assert.Zero(t, set.Deny)

	assert.Contains(t, handler.lastContent(t), "reset to inherit")
}

func TestPanelLimitModal(t *testing.T) {
	ctx := context.Background()

	limitSubmit := func(userID, value string) *discordgo.InteractionCreate {
		return &discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				ID:        "modal-submit",
				Type:      discordgo.InteractionModalSubmit,
				GuildID:   testGuildID,
				ChannelID: testVoiceChannelID,
				Member: &discordgo.Member{
					GuildID: testGuildID,
					User:    &discordgo.User{ID: userID, Username: "user-" + userID},
				},
				Data: discordgo.ModalSubmitInteractionData{
					CustomID: newCustomID(panelLimitModalPrefix, testVoiceChannelID),
					Components: []discordgo.MessageComponent{
						&discordgo.ActionsRow{
							Components: []discordgo.MessageComponent{
								&discordgo.TextInput{
									CustomID: panelLimitInputID,
									Value:    value,
								},
							},
						},
					},
				},
			},
		}
	}

	t.Run(
		"valid limit", func(t *testing.T) {
			w, session := panelFixture(t)
			i := limitSubmit(testOwnerID, "25")
			handler := newRecordingHandler(t, i)
			w.handlePanelLimitModal(ctx, handler, i, testVoiceChannelID)

			assert.Equal(t, "User limit set to 25.", handler.lastContent(t))
			limit, set := session.userLimits[testVoiceChannelID]
			require.True(t, set)
			assert.Equal(t, 25, limit)
		},
	)

	t.Run(
		"zero removes the limit", func(t *testing.T) {
			w, session := panelFixture(t)
			i := limitSubmit(testOwnerID, "0")
			handler := newRecordingHandler(t, i)
			w.handlePanelLimitModal(ctx, handler, i, testVoiceChannelID)
			assert.Equal(t, "User limit removed.", handler.lastContent(t))

			// the zero must actually reach discord
			limit, set := session.userLimits[testVoiceChannelID]
			require.True(t, set)
			assert.Zero(t, limit)
		},
	)

	t.Run(
		"out of range", func(t *testing.T) {
			w, session := panelFixture(t)
			i := limitSubmit(testOwnerID, "150")
			handler := newRecordingHandler(t, i)
			w.handlePanelLimitModal(ctx, handler, i, testVoiceChannelID)
			assert.Contains(t, handler.lastContent(t), "0 to 99")
			assert.Empty(t, session.userLimits)
		},
	)

	t.Run(
		"ownership re-checked at submit time", func(t *testing.T) {
			w, session := panelFixture(t)
			i := limitSubmit("intruder", "5")
			handler := newRecordingHandler(t, i)
			w.handlePanelLimitModal(ctx, handler, i, testVoiceChannelID)
			assert.Contains(t, handler.lastContent(t), "Only the channel owner")
			assert.Empty(t, session.userLimits)
		},
	)
}

func TestPanelBitrate(t *testing.T) {
	w, session := panelFixture(t)
	ctx := context.Background()

	// no premium tier: choices stop at 96 kbps
	i := panelClick(testOwnerID, panelActionBitrate)
	handler := newRecordingHandler(t, i)
	w.handlePanelComponent(ctx, handler, i, panelActionBitrate)

	response := handler.lastResponse(t)
	require.Len(t, response.Data.Components, 1)
	row := response.Data.Components[0].(discordgo.ActionsRow)
	selectMenu := row.Components[0].(*discordgo.SelectMenu)
	require.Len(t, selectMenu.Options, 4)
	assert.Equal(t, "96 kbps", selectMenu.Options[3].Label)

	apply := selectSubmit(testOwnerID, panelSelectBitrate, "64000")
	applyHandler := newRecordingHandler(t, apply)
	w.handlePanelComponent(ctx, applyHandler, apply, panelSelectBitrate)

	assert.Equal(t, "Bitrate set to 64 kbps.", applyHandler.lastContent(t))
	edit := session.channelEdits[testVoiceChannelID]
	require.NotNil(t, edit)
	assert.Equal(t, 64000, edit.Bitrate)
}
