package cache

import (
	"encoding/json"
	"time"
)

// Entry is one cached value plus its bookkeeping. Entries are owned by a
// single cache level; promotion from L2 to L1 copies the bookkeeping so TTL
// accounting stays anchored to the original write.
type Entry struct {
	Key         string
	Value       interface{}
	CreatedAt   time.Time
	LastAccess  time.Time
	AccessCount int64
	TTL         time.Duration // zero means no expiry
	Version     string
	Size        int64
	Tags        []string

	// L2-only: the stored bytes and how to restore them.
	blob       []byte
	compressed bool
	wasString  bool
}

// Expired reports whether the entry's TTL has elapsed. Expiry is detected
// lazily on read; there is no background sweeper.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) >= e.TTL
}

func (e *Entry) touch(now time.Time) {
	e.LastAccess = now
	e.AccessCount++
}

func (e *Entry) hasTag(tags map[string]struct{}) bool {
	for _, t := range e.Tags {
		if _, ok := tags[t]; ok {
			return true
		}
	}
	return false
}

// sizeOf estimates the in-memory footprint of a value in bytes. Byte slices
// and strings are exact; everything else falls back to its JSON encoding.
func sizeOf(value interface{}) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(v))
	case string:
		return int64(len(v))
	default:
		if data, err := json.Marshal(v); err == nil {
			return int64(len(data))
		}
		return 64
	}
}
