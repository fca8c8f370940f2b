package channel

import (
	"relaybot/internal/domain"
	"relaybot/internal/plugin"
)

// RegisterBuiltins adds the bundled channel plugins to b. Each one registers
// a single channel with a dock built from the adapter itself.
func RegisterBuiltins(b *plugin.Builtins) {
	b.Add(discordID, plugin.Definition{
		ID:          discordID,
		Name:        "Discord",
		Description: "Discord channel (Bot API)",
		Register: func(api *plugin.API) {
			api.RegisterChannel(registrationFor(NewDiscord(api.Logger)))
		},
	})
	b.Add(slackID, plugin.Definition{
		ID:          slackID,
		Name:        "Slack",
		Description: "Slack channel (Socket Mode)",
		Register: func(api *plugin.API) {
			api.RegisterChannel(registrationFor(NewSlack(api.Logger)))
		},
	})
	b.Add(msteamsID, plugin.Definition{
		ID:          msteamsID,
		Name:        "Microsoft Teams",
		Description: "Microsoft Teams channel (Bot Framework)",
		Register: func(api *plugin.API) {
			api.RegisterChannel(registrationFor(NewMSTeams(api.Logger)))
		},
	})
}

func registrationFor(p domain.ChannelPlugin) plugin.ChannelRegistration {
	return plugin.ChannelRegistration{
		Plugin: p,
		Dock: &domain.ChannelDock{
			ID:             p.ID(),
			Capabilities:   p.Capabilities(),
			TextChunkLimit: p.OutboundInfo().TextChunkLimit,
		},
	}
}
