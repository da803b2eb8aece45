package pebblestore

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/SirClappington/ldnq/internal/domain"
)

// Keyspace:
//
//	msg/{id}                          - record (JSON)
//	idx/{status}/{deadline_be}/{id}   - status + lease deadline index
//
// deadline_be is the deadline in unix nanoseconds, big-endian, so a prefix
// scan over idx/{status}/ visits records in deadline order and can stop at
// the first key that is not yet due.
const (
	prefixMsg = "msg/"
	prefixIdx = "idx/"
)

func msgKey(id string) []byte {
	return append([]byte(prefixMsg), id...)
}

func statusPrefix(st domain.Status) []byte {
	return []byte(prefixIdx + string(st) + "/")
}

func idxKey(st domain.Status, deadline time.Time, id string) []byte {
	k := statusPrefix(st)
	k = binary.BigEndian.AppendUint64(k, encodeTime(deadline))
	k = append(k, '/')
	return append(k, id...)
}

// parseIdxKey splits an index key under prefix into its deadline and id.
func parseIdxKey(prefix, key []byte) (uint64, string, bool) {
	if !bytes.HasPrefix(key, prefix) || len(key) < len(prefix)+9 {
		return 0, "", false
	}
	rest := key[len(prefix):]
	return binary.BigEndian.Uint64(rest[:8]), string(rest[9:]), true
}

func encodeTime(t time.Time) uint64 {
	if t.Before(time.Unix(0, 0)) {
		return 0
	}
	return uint64(t.UnixNano())
}

// prefixEnd is the exclusive upper bound for a prefix scan.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
