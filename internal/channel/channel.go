// Package channel connects chat transports to the message bus.
package channel

import (
	"context"
	"strings"

	"github.com/MEKXH/waybill/internal/bus"
)

// Channel is a chat transport.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg *bus.OutboundMessage) error
}

// AllowList admits senders by numeric id or username. Entries may carry a
// leading "@". The zero value admits everyone.
type AllowList struct {
	entries map[string]struct{}
}

// NewAllowList merges the given lists, ignoring blanks.
func NewAllowList(lists ...[]string) AllowList {
	entries := make(map[string]struct{})
	for _, list := range lists {
		for _, raw := range list {
			if key := allowKey(raw); key != "" {
				entries[key] = struct{}{}
			}
		}
	}
	return AllowList{entries: entries}
}

func allowKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

// Len returns the number of distinct entries.
func (a AllowList) Len() int {
	return len(a.entries)
}

// Admits reports whether a sender with the given id or username may talk to
// the bot.
func (a AllowList) Admits(id, username string) bool {
	if len(a.entries) == 0 {
		return true
	}
	for _, candidate := range []string{id, username} {
		key := allowKey(candidate)
		if key == "" {
			continue
		}
		if _, ok := a.entries[key]; ok {
			return true
		}
	}
	return false
}

// BaseChannel holds what every transport needs: the bus and its allow-list.
type BaseChannel struct {
	Bus   *bus.MessageBus
	Allow AllowList
}

// PublishInbound forwards msg to the bus.
func (b *BaseChannel) PublishInbound(msg *bus.InboundMessage) {
	b.Bus.PublishInbound(msg)
}
