// Package retention keeps a bounded window of recent messages per chat so a
// message can still be shown after the sender revokes it.
package retention

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultCapacity is the per-chat window when none is configured.
	DefaultCapacity = 50
	// DefaultMaxChats bounds the number of chats tracked at once.
	DefaultMaxChats = 1000
)

// Entry is one cached message.
type Entry[T any] struct {
	ChatID     string
	MessageID  string
	SenderID   string
	SenderName string
	Payload    T
	InsertedAt time.Time
}

type chat[T any] struct {
	entries []Entry[T]
	elem    *list.Element
}

// Cache is a per-chat FIFO of at most capacity entries. Once more than
// maxChats chats are tracked, the chat with the oldest insert is dropped
// whole. It is safe for concurrent use and holds nothing across restarts.
type Cache[T any] struct {
	mu       sync.Mutex
	capacity int
	maxChats int
	chats    map[string]*chat[T]
	// recency orders chat ids by last insert, most recent at the front.
	recency *list.List
	now     func() time.Time
}

func New[T any](capacity int) *Cache[T] {
	return NewLimited[T](capacity, DefaultMaxChats)
}

// NewLimited is New with an explicit chat limit. Non-positive values fall
// back to the defaults.
func NewLimited[T any](capacity, maxChats int) *Cache[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxChats <= 0 {
		maxChats = DefaultMaxChats
	}
	return &Cache[T]{
		capacity: capacity,
		maxChats: maxChats,
		chats:    make(map[string]*chat[T]),
		recency:  list.New(),
		now:      time.Now,
	}
}

// Insert appends e to chatID's window and evicts the oldest entries beyond
// capacity. An entry with an id already cached replaces the old copy and
// becomes the newest.
func (c *Cache[T]) Insert(chatID string, e Entry[T]) {
	e.ChatID = chatID
	if e.InsertedAt.IsZero() {
		e.InsertedAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.chats[chatID]
	if !ok {
		ch = &chat[T]{elem: c.recency.PushFront(chatID)}
		c.chats[chatID] = ch
	} else {
		c.recency.MoveToFront(ch.elem)
	}

	buf := ch.entries
	if i := indexOf(buf, e.MessageID); i >= 0 {
		buf = append(buf[:i], buf[i+1:]...)
	}
	buf = append(buf, e)
	if over := len(buf) - c.capacity; over > 0 {
		// copy so the evicted prefix can be collected
		buf = append([]Entry[T](nil), buf[over:]...)
	}
	ch.entries = buf

	for len(c.chats) > c.maxChats {
		oldest := c.recency.Back()
		c.recency.Remove(oldest)
		delete(c.chats, oldest.Value.(string))
	}
}

func (c *Cache[T]) Lookup(chatID, messageID string) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.chats[chatID]; ok {
		if i := indexOf(ch.entries, messageID); i >= 0 {
			return ch.entries[i], true
		}
	}
	var zero Entry[T]
	return zero, false
}

// Remove drops a single entry and reports whether it was cached.
func (c *Cache[T]) Remove(chatID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.chats[chatID]
	if !ok {
		return false
	}
	i := indexOf(ch.entries, messageID)
	if i < 0 {
		return false
	}
	ch.entries = append(ch.entries[:i], ch.entries[i+1:]...)
	if len(ch.entries) == 0 {
		c.recency.Remove(ch.elem)
		delete(c.chats, chatID)
	}
	return true
}

// Entries returns chatID's window oldest first.
func (c *Cache[T]) Entries(chatID string) []Entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chats[chatID]
	if !ok {
		return nil
	}
	return append([]Entry[T](nil), ch.entries...)
}

func (c *Cache[T]) Len(chatID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.chats[chatID]; ok {
		return len(ch.entries)
	}
	return 0
}

// Chats is the number of chats with at least one cached entry.
func (c *Cache[T]) Chats() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chats)
}

func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = make(map[string]*chat[T])
	c.recency.Init()
}

func indexOf[T any](buf []Entry[T], messageID string) int {
	for i := range buf {
		if buf[i].MessageID == messageID {
			return i
		}
	}
	return -1
}
