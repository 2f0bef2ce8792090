package storage

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. One database holds every concern so a single batch
// commits a whole request atomically.
//
// Key layout:
//   acc:{address}        account state
//   ord:{orderID}        order state
//   evt:{seq,be64}       event log, ordered by sequence
//   req:{requestID}      committed request id -> order id
//   seq:order            order sequence counter (8-byte big-endian)
const (
	prefixAccount = "acc:"
	prefixOrder   = "ord:"
	prefixEvent   = "evt:"
	prefixRequest = "req:"
	keyOrderSeq   = "seq:order"
)

func AccountKey(addr common.Address) []byte {
	return []byte(prefixAccount + addr.Hex())
}

func AccountPrefix() []byte { return []byte(prefixAccount) }

func OrderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

func OrderPrefix() []byte { return []byte(prefixOrder) }

// EventKey encodes the sequence big-endian so lexicographic order is
// numeric order and cursor reads are plain range scans.
func EventKey(seq uint64) []byte {
	key := make([]byte, len(prefixEvent)+8)
	copy(key, prefixEvent)
	binary.BigEndian.PutUint64(key[len(prefixEvent):], seq)
	return key
}

func EventPrefix() []byte { return []byte(prefixEvent) }

func RequestKey(id string) []byte {
	return []byte(prefixRequest + id)
}

func RequestPrefix() []byte { return []byte(prefixRequest) }

func OrderSeqKey() []byte { return []byte(keyOrderSeq) }

// KeyUpperBound returns the exclusive upper bound for a prefix scan.
func KeyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
