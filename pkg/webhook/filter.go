package webhook

import "time"

// Rejection reasons reported by the replay filter. They feed logs and
// metrics; rejection itself is silent toward the gateway.
const (
	ReasonSelfSent  = "self_sent"
	ReasonBroadcast = "broadcast"
	ReasonStale     = "stale"
)

// Filter is the admission predicate applied to every normalized message.
// Checks run in a fixed order and the first match wins: self-sent,
// broadcast, then staleness against the configured window.
//
// The staleness bound is inclusive: a message exactly window old is still
// accepted. Anything older is gateway backfill replayed after a reconnect
// and must not trigger replies.
func Filter(msg *NormalizedMessage, now time.Time, window time.Duration) (accepted bool, reason string) {
	if msg.SelfSent {
		return false, ReasonSelfSent
	}
	if msg.Broadcast {
		return false, ReasonBroadcast
	}
	if now.Sub(msg.ReceivedAt) > window {
		return false, ReasonStale
	}
	return true, ""
}
