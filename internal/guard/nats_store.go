package guard

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSKVStore shares fixed-window counters across gateway instances through a
// JetStream key-value bucket. Each window is one key holding a big-endian
// counter; the bucket TTL expires stale windows so no sweeper is needed.
//
// Increments use revision-guarded updates (compare-and-swap); a handful of
// retries absorbs concurrent writers before failing open.
type NATSKVStore struct {
	kv jetstream.KeyValue
	// windows remembers each key's reset instant, since KV entry metadata
	// does not expose per-key expiry.
	mem *MemoryStore
}

// NewNATSKVStore ensures the counters bucket exists and returns the store.
// The bucket TTL must be at least the limiter window; pass the window here.
func NewNATSKVStore(nc *nats.Conn, bucket string, window time.Duration) (*NATSKVStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Fixed-window send counters",
		TTL:         window,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %q: %w", bucket, err)
	}
	return &NATSKVStore{kv: kv, mem: NewMemoryStore()}, nil
}

// Incr implements CounterStore.
func (s *NATSKVStore) Incr(key string, now time.Time, window time.Duration) (int, time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The KV key embeds the window index so a new window is simply a new key;
	// the bucket TTL reaps old ones.
	slot := now.UnixNano() / int64(window)
	kvKey := fmt.Sprintf("%s.%d", sanitizeKey(key), slot)
	resetAt := time.Unix(0, (slot+1)*int64(window))

	for attempt := 0; attempt < 5; attempt++ {
		entry, err := s.kv.Get(ctx, kvKey)
		if err != nil {
			if !errors.Is(err, jetstream.ErrKeyNotFound) {
				break
			}
			if _, err := s.kv.Create(ctx, kvKey, encodeCount(1)); err == nil {
				return 1, resetAt
			}
			continue // lost the create race, re-read
		}

		count := decodeCount(entry.Value()) + 1
		if _, err := s.kv.Update(ctx, kvKey, encodeCount(count), entry.Revision()); err == nil {
			return count, resetAt
		}
	}

	// KV unreachable or contended beyond retries: fall back to the local
	// counter so one degraded dependency does not block every send.
	log.Warn().Str("key", key).Msg("kv counter unavailable, using local window")
	return s.mem.Incr(key, now, window)
}

func encodeCount(n int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

func decodeCount(b []byte) int {
	if len(b) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(b))
}

// sanitizeKey maps arbitrary limiter keys onto the KV key alphabet.
func sanitizeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-' || c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
