// Package ratelimit throttles callers per user and per action.
package ratelimit

import (
	"context"
	"time"
)

// Profile names a throttled action
type Profile string

const (
	ProfileSend          Profile = "send"
	ProfileRead          Profile = "read"
	ProfileUnread        Profile = "unread"
	ProfileTyping        Profile = "typing"
	ProfileStart         Profile = "start"
	ProfileConversations Profile = "conversations"
	ProfileHeartbeat     Profile = "heartbeat"
)

// Rule allows Limit calls per Window
type Rule struct {
	Limit  int
	Window time.Duration
}

// Profiles are the per-user limits for each action
var Profiles = map[Profile]Rule{
	ProfileSend:          {Limit: 60, Window: time.Minute},
	ProfileRead:          {Limit: 80, Window: time.Minute},
	ProfileUnread:        {Limit: 120, Window: time.Minute},
	ProfileTyping:        {Limit: 120, Window: time.Minute},
	ProfileStart:         {Limit: 25, Window: time.Minute},
	ProfileConversations: {Limit: 80, Window: time.Minute},
	ProfileHeartbeat:     {Limit: 120, Window: time.Minute},
}

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed bool
	// RetryAfter is set when the call was refused
	RetryAfter time.Duration
}

// Limiter decides whether key may perform the action of profile now
type Limiter interface {
	Allow(ctx context.Context, profile Profile, key string) (Decision, error)
}

func ruleFor(profile Profile) (Rule, bool) {
	r, ok := Profiles[profile]
	return r, ok && r.Limit > 0 && r.Window > 0
}
