package pipeline

import (
	"sync"

	"github.com/google/uuid"
)

// WorkItem is an exclusively owned unit of payload flowing between stages.
//
// Clone must return a deep copy with a new ID: mutating the clone must never be observable
// through the original. Release frees backing resources; it must be idempotent.
type WorkItem interface {
	ID() string
	Metadata() Metadata
	Clone() WorkItem
	Release()
	SizeBytes() int64
}

// Metadata maps keys to values attached to a work item.
type Metadata map[string]any

// Clone returns a deep copy of the metadata. Nested maps, slices and byte slices are copied;
// other values are copied by assignment.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Metadata:
		return val.Clone()
	case map[string]any:
		return map[string]any(Metadata(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}

// Item is the stock WorkItem: a byte payload plus metadata.
type Item struct {
	mu       sync.RWMutex
	id       string
	payload  []byte
	meta     Metadata
	released bool
}

// NewItem creates an item owning payload and meta.
func NewItem(payload []byte, meta Metadata) *Item {
	if meta == nil {
		meta = make(Metadata)
	}
	return &Item{
		id:      uuid.New().String(),
		payload: payload,
		meta:    meta,
	}
}

// ID returns the unique item identifier.
func (i *Item) ID() string {
	return i.id
}

// Payload returns the payload bytes. The slice must not be retained past Release.
func (i *Item) Payload() []byte {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.payload
}

// SetPayload replaces the payload.
func (i *Item) SetPayload(p []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.payload = p
}

// Metadata returns the item's metadata map.
func (i *Item) Metadata() Metadata {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.meta
}

// Set stores a metadata value.
func (i *Item) Set(key string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.meta == nil {
		i.meta = make(Metadata)
	}
	i.meta[key] = value
}

// Get returns a metadata value.
func (i *Item) Get(key string) (any, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	v, ok := i.meta[key]
	return v, ok
}

// Clone returns a deep copy with a fresh ID.
func (i *Item) Clone() WorkItem {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var payload []byte
	if i.payload != nil {
		payload = append([]byte(nil), i.payload...)
	}
	return &Item{
		id:      uuid.New().String(),
		payload: payload,
		meta:    i.meta.Clone(),
	}
}

// Release drops the payload and metadata.
func (i *Item) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.payload = nil
	i.meta = nil
	i.released = true
}

// Released reports whether Release has been called.
func (i *Item) Released() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.released
}

// SizeBytes approximates the memory held by the item.
func (i *Item) SizeBytes() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return int64(len(i.payload)) + int64(len(i.meta))*64
}

// ReleaseAll releases every item in items.
func ReleaseAll(items []WorkItem) {
	for _, it := range items {
		if it != nil {
			it.Release()
		}
	}
}
