package kafka

import "strings"

// Topic names shared with the domain services.
const (
	TopicChatCommands  = "chat.commands"
	TopicChatEvents    = "chat.events"
	TopicGamesCommands = "games.commands"
	TopicGamesEvents   = "games.events"
	TopicSystemEvents  = "system.events"
	TopicPresence      = "gateway.presence"
)

const (
	prefixChat  = "chat."
	prefixGames = "games."
)

// EventTopics are the topics the gateway consumes. Command topics are
// inbound to the domain services only.
var EventTopics = []string{TopicSystemEvents, TopicChatEvents, TopicGamesEvents}

// CommandTopic returns the topic a client command is published to:
// "chat." → chat.commands, "games." → games.commands, anything else → system.events.
func CommandTopic(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, prefixChat):
		return TopicChatCommands
	case strings.HasPrefix(eventType, prefixGames):
		return TopicGamesCommands
	}
	return TopicSystemEvents
}

// EventTopic returns the topic domain services publish events of this type to.
func EventTopic(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, prefixChat):
		return TopicChatEvents
	case strings.HasPrefix(eventType, prefixGames):
		return TopicGamesEvents
	}
	return TopicSystemEvents
}
