package comm

import "fmt"

// Rendezvous key pattern helpers
//
// Key pattern: warren:{group}:{entity}
// Channel pattern: warren:{group}:{event_type}_events

// MembersKey returns the Redis key of a group's membership hash.
// Fields are decimal ranks, values are JSON-encoded members.
// Pattern: warren:{group}:members
func MembersKey(group string) string {
	return fmt.Sprintf("warren:%s:members", group)
}

// JoinEventsChannel returns the Pub/Sub channel on which joins are announced.
// Pattern: warren:{group}:join_events
func JoinEventsChannel(group string) string {
	return fmt.Sprintf("warren:%s:join_events", group)
}
