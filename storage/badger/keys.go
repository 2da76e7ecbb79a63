package badger

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/quarrylabs/quarry/core"
)

// Key prefixes for different data types. Every shard key embeds the tenant
// ID right after the prefix, so all shard access iterates within a single
// tenant partition.
const (
	shardPrefix         = "shard"
	shardTypePrefix     = "shardt"
	shardExternalPrefix = "shardx"
	digestPrefix        = "digest"
	digestDuePrefix     = "digestd"
)

// makeShardKey generates the primary key for a shard.
func makeShardKey(tenantID, id string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", shardPrefix, tenantID, id))
}

// makeShardTypeKey generates a composite key for the per-tenant type index.
// Format: prefix:tenant:type:id
func makeShardTypeKey(tenantID string, shardType core.ShardType, id string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%s", shardTypePrefix, tenantID, shardType.String(), id))
}

// makeShardTypeScanPrefix generates the iteration prefix for a type query.
func makeShardTypeScanPrefix(tenantID string, shardType core.ShardType) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:", shardTypePrefix, tenantID, shardType.String()))
}

// makeExternalIDKey generates the per-tenant external identifier index key.
func makeExternalIDKey(tenantID, externalID string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", shardExternalPrefix, tenantID, externalID))
}

// makeDigestKey generates the primary key for a digest.
func makeDigestKey(tenantID, id string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", digestPrefix, tenantID, id))
}

// makeDigestDueKey generates a composite key for the due-time index.
// The timestamp is written BigEndian so lexicographic iteration yields
// digests in due order.
func makeDigestDueKey(periodEnd time.Time, tenantID, id string) []byte {
	prefix := []byte(digestDuePrefix + ":")
	suffix := []byte(":" + tenantID + ":" + id)
	buf := make([]byte, len(prefix)+8+len(suffix))
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(periodEnd.UnixMicro()))
	copy(buf[offset+8:], suffix)
	return buf
}

// makeDigestDueBound generates the exclusive upper bound for a due scan.
func makeDigestDueBound(before time.Time) []byte {
	prefix := []byte(digestDuePrefix + ":")
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(before.UnixMicro()))
	return buf
}
