// Package notify decides which watching operators get an out-of-band
// notice for an inbound event.
package notify

import "github.com/relaydesk/relaydesk/internal/rtm"

// Candidate is one operator session that might receive a notice.
type Candidate struct {
	Viewer string
	// Focus is the conversation the viewer currently has on screen,
	// nil when nothing is focused.
	Focus *rtm.ConversationKey
}

// Decide returns the viewers to notify for an event. Self-authored events
// never produce notices. A viewer focused on the event's conversation is
// already seeing it and is suppressed.
func Decide(ev rtm.Event, candidates []Candidate) []string {
	if ev.Direction == rtm.DirectionSelf {
		return nil
	}
	var notify []string
	for _, c := range candidates {
		if c.Focus != nil && *c.Focus == ev.Key {
			continue
		}
		notify = append(notify, c.Viewer)
	}
	return notify
}
