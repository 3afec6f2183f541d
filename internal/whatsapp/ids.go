package whatsapp

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"go.mau.fi/whatsmeow/types"
)

const (
	// DefaultMessageCapacity bounds the number of remembered message ids.
	DefaultMessageCapacity = 50_000
	// DefaultMessageTTL is how long a message id stays resolvable.
	DefaultMessageTTL = 48 * time.Hour

	// hashedBase marks chat ids derived from a JID hash. Phone numbers and group
	// ids are always smaller.
	hashedBase = int64(1) << 62
)

// MessageRef locates a WhatsApp message.
type MessageRef struct {
	Chat   types.JID
	Sender types.JID
	ID     types.MessageID
	FromMe bool
	Text   string
	Date   time.Time
}

// IDMap translates between WhatsApp JIDs and message ids and the numeric ids
// the rest of the bot works with. Phone number JIDs map to the number, group
// JIDs to the negated group number, and any other JID to a hashed id that is
// remembered for the reverse lookup. Message ids are numbered as they are seen.
type IDMap struct {
	mu     sync.RWMutex
	hashed map[int64]types.JID

	next  atomic.Int64
	byKey otter.Cache[string, int]
	byNum otter.Cache[int, MessageRef]
}

// NewIDMap creates an id map remembering up to capacity messages for ttl.
func NewIDMap(capacity int, ttl time.Duration) (*IDMap, error) {
	if capacity <= 0 {
		capacity = DefaultMessageCapacity
	}
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	byKey, err := otter.MustBuilder[string, int](capacity).WithTTL(ttl).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create message key cache: %w", err)
	}
	byNum, err := otter.MustBuilder[int, MessageRef](capacity).WithTTL(ttl).Build()
	if err != nil {
		byKey.Close()
		return nil, fmt.Errorf("failed to create message ref cache: %w", err)
	}
	return &IDMap{hashed: make(map[int64]types.JID), byKey: byKey, byNum: byNum}, nil
}

// ChatID returns the numeric id of jid. Device suffixes are ignored.
func (m *IDMap) ChatID(jid types.JID) int64 {
	if jid.IsEmpty() {
		return 0
	}
	jid = jid.ToNonAD()
	switch jid.Server {
	case types.DefaultUserServer:
		if n, err := strconv.ParseInt(jid.User, 10, 64); err == nil && n > 0 && n < hashedBase {
			return n
		}
	case types.GroupServer:
		if n, err := strconv.ParseInt(jid.User, 10, 64); err == nil && n > 0 && n < hashedBase {
			return -n
		}
	}

	h := fnv.New64a()
	h.Write([]byte(jid.String()))
	id := hashedBase | int64(h.Sum64()&uint64(hashedBase-1))
	m.mu.Lock()
	m.hashed[id] = jid
	m.mu.Unlock()
	return id
}

// JID returns the JID behind a numeric chat or user id.
func (m *IDMap) JID(id int64) (types.JID, bool) {
	switch {
	case id == 0:
		return types.EmptyJID, false
	case id < 0:
		return types.NewJID(strconv.FormatInt(-id, 10), types.GroupServer), true
	case id < hashedBase:
		return types.NewJID(strconv.FormatInt(id, 10), types.DefaultUserServer), true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	jid, ok := m.hashed[id]
	return jid, ok
}

func messageKey(chat types.JID, id types.MessageID) string {
	return chat.ToNonAD().String() + "/" + id
}

// MessageNum returns the number of the message described by ref, assigning one
// on first sight. A known message keeps its number and its stored details are
// refreshed with the non-empty fields of ref.
func (m *IDMap) MessageNum(ref MessageRef) int {
	key := messageKey(ref.Chat, ref.ID)
	if num, ok := m.byKey.Get(key); ok {
		if old, ok := m.byNum.Get(num); ok {
			if ref.Text == "" {
				ref.Text = old.Text
			}
			if ref.Date.IsZero() {
				ref.Date = old.Date
			}
			if ref.Sender.IsEmpty() {
				ref.Sender = old.Sender
			}
			ref.FromMe = ref.FromMe || old.FromMe
		}
		m.byNum.Set(num, ref)
		return num
	}
	num := int(m.next.Add(1))
	m.byKey.Set(key, num)
	m.byNum.Set(num, ref)
	return num
}

// Lookup returns the message numbered num.
func (m *IDMap) Lookup(num int) (MessageRef, bool) {
	return m.byNum.Get(num)
}

// SetText updates the remembered text of message num.
func (m *IDMap) SetText(num int, text string) {
	if ref, ok := m.byNum.Get(num); ok {
		ref.Text = text
		m.byNum.Set(num, ref)
	}
}

// Close stops the caches' background work.
func (m *IDMap) Close() {
	m.byKey.Close()
	m.byNum.Close()
}
