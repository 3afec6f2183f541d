// Package filters provides composable predicates over inbound messages.
package filters

import (
	"strings"

	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/models"
)

// Filter decides whether a message seen by client should be handled.
type Filter func(client messaging.Client, m *models.Message) bool

// All matches every message.
func All(messaging.Client, *models.Message) bool { return true }

// And matches when every filter matches. Nil filters are skipped.
func And(fs ...Filter) Filter {
	return func(c messaging.Client, m *models.Message) bool {
		for _, f := range fs {
			if f != nil && !f(c, m) {
				return false
			}
		}
		return true
	}
}

// Or matches when any filter matches.
func Or(fs ...Filter) Filter {
	return func(c messaging.Client, m *models.Message) bool {
		for _, f := range fs {
			if f != nil && f(c, m) {
				return true
			}
		}
		return false
	}
}

// Not inverts f.
func Not(f Filter) Filter {
	return func(c messaging.Client, m *models.Message) bool {
		return !f(c, m)
	}
}

// Text matches messages with non-empty text.
func Text(_ messaging.Client, m *models.Message) bool {
	return m != nil && m.Text != ""
}

// Private matches messages in one-on-one chats.
func Private(_ messaging.Client, m *models.Message) bool {
	return m != nil && m.Chat.IsPrivate()
}

// Outgoing matches messages sent by the client's own account.
func Outgoing(_ messaging.Client, m *models.Message) bool {
	return m != nil && m.Outgoing
}

// Chats matches messages in any of the given chats.
func Chats(ids ...int64) Filter {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(_ messaging.Client, m *models.Message) bool {
		if m == nil {
			return false
		}
		_, ok := set[m.Chat.ID]
		return ok
	}
}

// Users matches messages from any of the given users.
func Users(ids ...int64) Filter {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(_ messaging.Client, m *models.Message) bool {
		if m == nil || m.From == nil {
			return false
		}
		_, ok := set[m.From.ID]
		return ok
	}
}

// HasPrefix matches messages whose text starts with prefix.
func HasPrefix(prefix string) Filter {
	return func(_ messaging.Client, m *models.Message) bool {
		return m != nil && strings.HasPrefix(m.Text, prefix)
	}
}

// Identity matches messages seen by clients of the given identity.
func Identity(id models.Identity) Filter {
	return func(c messaging.Client, _ *models.Message) bool {
		return c != nil && c.Identity() == id
	}
}
