package storage

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// eventDigest returns a stable digest of the (item, actor, type, timestamp)
// tuple. Two events are duplicates exactly when their digests match, so the
// digest doubles as the ledger dedup key in both engine implementations.
func eventDigest(ev *InteractionEvent) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(ev.ItemID))
	h.Write([]byte{0})
	h.Write([]byte(ev.ActorID))
	h.Write([]byte{0})
	h.Write([]byte(ev.Type))
	h.Write([]byte{0})

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ev.Timestamp.UnixNano()))
	h.Write(ts[:])

	return hex.EncodeToString(h.Sum(nil))
}

// mappingPairKey identifies a (question, topic) pair for uniqueness checks.
func mappingPairKey(questionID, topicID string) string {
	return questionID + "\x00" + topicID
}

// tsKey encodes a timestamp as a fixed-width sortable string so Badger
// iterates ledger rows in timestamp order.
func tsKey(nanos int64) string {
	s := strconv.FormatInt(nanos, 10)
	for len(s) < 19 {
		s = "0" + s
	}
	return s
}
