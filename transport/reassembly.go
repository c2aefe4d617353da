package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/scanai/core/logging"
)

// partial is the in-progress reassembly state for one message_id.
type partial struct {
	total     uint16
	chunks    map[uint16][]byte
	firstSeen time.Time
	done      atomic.Bool // set on completion so its Delete is not counted as an eviction
}

// reassembler tracks in-flight fragment sets keyed by message_id, the way
// the teacher's controller/server.go tracks per-IP request counts in a
// patrickmn/go-cache TTL cache (spec §4.1 "Reassembly").
type reassembler struct {
	mu      sync.Mutex
	slots   *cache.Cache
	ttl     time.Duration
	evicted int64
}

func newReassembler(ttl time.Duration) *reassembler {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	r := &reassembler{
		slots: cache.New(ttl, ttl/2+time.Second),
		ttl:   ttl,
	}
	// The callback also runs synchronously from Delete/DeleteExpired inside
	// accept while r.mu is held, so it must not take r.mu.
	r.slots.OnEvicted(func(key string, value interface{}) {
		if p, ok := value.(*partial); ok && p.done.Load() {
			return
		}
		atomic.AddInt64(&r.evicted, 1)
		logging.Logger.Debug("reassembly slot expired", zap.String("messageId", key))
	})
	return r
}

// accept stores one chunk for messageID. When every chunk of total has
// arrived, it returns the concatenated payload and deletes the slot
// (spec §4.1: "When the slot's entry count equals total_chunks,
// concatenate chunks in index order, delete the slot, and emit").
func (r *reassembler) accept(messageID uint64, chunkIndex, total uint16, body []byte) ([]byte, bool) {
	key := keyFor(messageID)

	r.mu.Lock()
	defer r.mu.Unlock()

	var p *partial
	if v, ok := r.slots.Get(key); ok {
		p = v.(*partial)
	} else {
		// Sweep (and count) an expired slot for this key before a new
		// partial replaces it.
		r.slots.DeleteExpired()
		p = &partial{total: total, chunks: make(map[uint16][]byte, total), firstSeen: time.Now()}
	}
	p.chunks[chunkIndex] = body
	if p.total == 0 {
		p.total = total
	}

	if uint16(len(p.chunks)) < p.total {
		// Expiry is always computed from the slot's firstSeen, not from
		// now, so a stray chunk on a never-completing message_id can't
		// keep pushing the TTL clock out past the documented window
		// (spec §4.1: "5s since first chunk observed").
		expiry := r.ttl - time.Since(p.firstSeen)
		if expiry <= 0 {
			expiry = time.Nanosecond
		}
		r.slots.Set(key, p, expiry)
		return nil, false
	}

	out := make([]byte, 0, len(p.chunks)*len(body))
	for i := uint16(0); i < p.total; i++ {
		out = append(out, p.chunks[i]...)
	}
	p.done.Store(true)
	r.slots.Delete(key)
	return out, true
}

// evictionCount returns the number of reassembly slots expired so far,
// for metrics (spec §4.1 "record the eviction in metrics").
func (r *reassembler) evictionCount() int64 {
	return atomic.LoadInt64(&r.evicted)
}

func keyFor(messageID uint64) string {
	// 20-char fixed width keeps cache key comparisons cheap and avoids
	// allocating a fmt.Sprintf format parse per chunk.
	const digits = "0123456789"
	buf := [20]byte{}
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i] = digits[messageID%10]
		messageID /= 10
	}
	return string(buf[:])
}
