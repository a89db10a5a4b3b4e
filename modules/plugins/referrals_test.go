package plugins

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/bwmarrin/discordgo"
)

func TestStaffCreateOpensInvite(t *testing.T) {
	plugin := &Referrals{Engine: newTestEngine(t)}
	in := &discordgo.Message{GuildID: "g1", ChannelID: "c1", Author: &discordgo.User{ID: "admin1"}}

	var out *discordgo.MessageSend
	plugin.actionStaff([]string{"staff", "create", "<@s1>", "https://partner.example/r/PARTNER1", "Staff", "One"}, in, &out)

	if out == nil || !strings.Contains(out.Content, "https://discord.gg/invc1") {
		t.Fatalf("plugins.Referrals.actionStaff(create) replied %+v", out)
	}
	attribution, ok := plugin.Engine.Staff.ByStaffID("s1")
	if !ok || attribution.InviteCode != "invc1" || attribution.DisplayName != "Staff One" ||
		attribution.ReferralLink != "https://partner.example/r/PARTNER1" {
		t.Fatalf("plugins.Referrals.actionStaff(create) stored %+v, %t", attribution, ok)
	}
	if entry, ok := plugin.Engine.Invites.Get("g1", "invc1"); !ok || entry.OwningStaffID != "s1" {
		t.Fatalf("plugins.Referrals.actionStaff(create) cached %+v, %t", entry, ok)
	}

	out = nil
	plugin.actionStaff([]string{"staff", "create", "<@s1>"}, in, &out)
	if out == nil || !strings.HasPrefix(out.Content, "Usage:") {
		t.Fatalf("plugins.Referrals.actionStaff(create) without a link replied %+v", out)
	}
}

func TestLeaderboardTimeframe(t *testing.T) {
	plugin := &Referrals{Engine: newTestEngine(t)}
	in := &discordgo.Message{GuildID: "g1", ChannelID: "c1", Author: &discordgo.User{ID: "admin1"}}

	for _, record := range []models.JoinRecord{
		{UserID: "u1", CommunityID: "g1", InviteCode: "a", StaffID: "s1", ObservedAt: time.Now().Add(-60 * 24 * time.Hour)},
		{UserID: "u2", CommunityID: "g1", InviteCode: "b", StaffID: "s2", ObservedAt: time.Now().Add(-time.Hour)},
	} {
		if err := plugin.Engine.Joins.Append(context.Background(), record); err != nil {
			t.Fatalf("joinlog.Append() returned error %s", err)
		}
	}

	var out *discordgo.MessageSend
	plugin.actionLeaderboard([]string{"leaderboard", "7d"}, in, &out)
	if out == nil || !strings.Contains(out.Content, "<@s2>") || strings.Contains(out.Content, "<@s1>") {
		t.Fatalf("plugins.Referrals.actionLeaderboard(7d) replied %+v", out)
	}

	out = nil
	plugin.actionLeaderboard([]string{"leaderboard"}, in, &out)
	if out == nil || !strings.Contains(out.Content, "<@s1>") || !strings.Contains(out.Content, "<@s2>") {
		t.Fatalf("plugins.Referrals.actionLeaderboard() replied %+v", out)
	}

	out = nil
	plugin.actionLeaderboard([]string{"leaderboard", "soon"}, in, &out)
	if out == nil || !strings.HasPrefix(out.Content, "Usage:") {
		t.Fatalf("plugins.Referrals.actionLeaderboard(soon) replied %+v", out)
	}
}
