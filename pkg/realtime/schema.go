package realtime

import "fmt"

// Redis key pattern helpers
//
// Key pattern: demandhub:{instance_name}:{entity}:{id}
// Channel pattern: demandhub:{instance_name}:{topic|table}:{name}

// DemandKey returns the Redis key for a demand hash.
// Pattern: demandhub:{instance_name}:demand:{demand_id}
func DemandKey(instanceName, demandID string) string {
	return fmt.Sprintf("demandhub:%s:demand:%s", instanceName, demandID)
}

// DemandKeyPattern returns the SCAN pattern matching demand hashes whose id
// starts with prefix.
func DemandKeyPattern(instanceName, prefix string) string {
	return fmt.Sprintf("demandhub:%s:demand:%s*", instanceName, prefix)
}

// TeamDemandsKey returns the Redis key for the set of demand ids in a team.
// Pattern: demandhub:{instance_name}:team:{team_id}:demands
func TeamDemandsKey(instanceName, teamID string) string {
	return fmt.Sprintf("demandhub:%s:team:%s:demands", instanceName, teamID)
}

// BoardDemandsKey returns the Redis key for the set of demand ids shown on a board.
// Pattern: demandhub:{instance_name}:board:{board_id}:demands
func BoardDemandsKey(instanceName, boardID string) string {
	return fmt.Sprintf("demandhub:%s:board:%s:demands", instanceName, boardID)
}

// PresenceKey returns the Redis key for the presence roster of a topic.
// Hash fields are session keys, values are JSON presence records.
// Pattern: demandhub:{instance_name}:presence:{topic}
func PresenceKey(instanceName, topic string) string {
	return fmt.Sprintf("demandhub:%s:presence:%s", instanceName, topic)
}

// TopicChannel returns the Pub/Sub channel carrying envelopes for a topic.
// Pattern: demandhub:{instance_name}:topic:{topic}
func TopicChannel(instanceName, topic string) string {
	return fmt.Sprintf("demandhub:%s:topic:%s", instanceName, topic)
}

// TableChannel returns the Pub/Sub channel carrying row changes for a table.
// Pattern: demandhub:{instance_name}:table:{table}
func TableChannel(instanceName, table string) string {
	return fmt.Sprintf("demandhub:%s:table:%s", instanceName, table)
}

// DemandTopic is the topic used for per-demand presence ("who is viewing").
func DemandTopic(demandID string) string {
	return "demand:" + demandID
}

// ConversationTopic is the topic used for typing signals on a demand's
// comment thread.
func ConversationTopic(demandID string) string {
	return "conversation:" + demandID
}

// TeamTopic is the topic used for team-wide presence ("who is online").
func TeamTopic(teamID string) string {
	return "team:" + teamID
}
