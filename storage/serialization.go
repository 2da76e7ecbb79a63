package storage

import (
	"encoding/json"

	"github.com/quarrylabs/quarry/core"
)

// MarshalShard serializes a shard for storage.
func MarshalShard(shard *core.Shard) ([]byte, error) {
	return json.Marshal(shard)
}

// UnmarshalShard deserializes a shard from storage bytes.
func UnmarshalShard(data []byte) (*core.Shard, error) {
	var shard core.Shard
	if err := json.Unmarshal(data, &shard); err != nil {
		return nil, err
	}
	return &shard, nil
}

// MarshalDigest serializes a digest for storage.
func MarshalDigest(digest *core.Digest) ([]byte, error) {
	return json.Marshal(digest)
}

// UnmarshalDigest deserializes a digest from storage bytes.
func UnmarshalDigest(data []byte) (*core.Digest, error) {
	var digest core.Digest
	if err := json.Unmarshal(data, &digest); err != nil {
		return nil, err
	}
	return &digest, nil
}
