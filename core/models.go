package core

import (
	"encoding/json"
	"time"
)

// ShardType discriminates the known kinds of records stored in a tenant
// partition. Unknown discriminators parse to ShardTypeUnknown, which every
// dispatcher treats as a no-op.
type ShardType int

const (
	ShardTypeUnknown ShardType = iota
	ShardTypeDocument
	ShardTypeChunk
	ShardTypeAccount
	ShardTypeContact
	ShardTypeProject
	ShardTypeOpportunity
	ShardTypeFolder
	ShardTypeChannel
	ShardTypeAudit
)

var shardTypeNames = map[ShardType]string{
	ShardTypeDocument:    "document",
	ShardTypeChunk:       "chunk",
	ShardTypeAccount:     "account",
	ShardTypeContact:     "contact",
	ShardTypeProject:     "project",
	ShardTypeOpportunity: "opportunity",
	ShardTypeFolder:      "folder",
	ShardTypeChannel:     "channel",
	ShardTypeAudit:       "audit",
}

var shardTypeValues = func() map[string]ShardType {
	m := make(map[string]ShardType, len(shardTypeNames))
	for t, name := range shardTypeNames {
		m[name] = t
	}
	return m
}()

// ParseShardType maps a string discriminator to a ShardType.
// Unrecognized values return ShardTypeUnknown.
func ParseShardType(s string) ShardType {
	return shardTypeValues[s]
}

// String returns the wire discriminator for the shard type.
func (t ShardType) String() string {
	if name, ok := shardTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON encodes the shard type as its string discriminator.
func (t ShardType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a string discriminator into a ShardType.
func (t *ShardType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ParseShardType(s)
	return nil
}

// Well-known structuredData field names shared across pipeline stages.
const (
	FieldStoragePath     = "storagePath"
	FieldContentType     = "contentType"
	FieldSizeBytes       = "sizeBytes"
	FieldScanStatus      = "scanStatus"
	FieldScanReason      = "scanReason"
	FieldEmbeddingStatus = "embeddingStatus"
	FieldPendingChunks   = "pendingChunks"
	FieldAccountID       = "accountId"
	FieldExternalID      = "externalId"
	FieldDescription     = "description"
	FieldTopic           = "topic"
	FieldParticipants    = "participants"
	FieldParentDocument  = "parentDocumentId"
	FieldSequence        = "sequence"
	FieldText            = "text"
	FieldRiskScore       = "riskScore"
)

// Embedding status values for FieldEmbeddingStatus.
const (
	EmbeddingStatusEmbedding = "embedding"
	EmbeddingStatusComplete  = "complete"
	EmbeddingStatusFailed    = "failed"
	EmbeddingStatusSkipped   = "skipped"
)

// Scan status values for FieldScanStatus.
const (
	ScanStatusClean    = "clean"
	ScanStatusRejected = "rejected"
)

// Shard is the tenant-scoped unit of business data. TenantID is the
// partition key; every read and write must carry it.
type Shard struct {
	ID                    string         `json:"id"`
	TenantID              string         `json:"tenantId"`
	Type                  ShardType      `json:"shardTypeId"`
	Name                  string         `json:"shardName,omitempty"`
	StructuredData        map[string]any `json:"structuredData,omitempty"`
	InternalRelationships []Relationship `json:"internal_relationships,omitempty"`
	ExternalRelationships []Relationship `json:"external_relationships,omitempty"`
	Vector                []float32      `json:"vector,omitempty"`
	RevisionNumber        int64          `json:"revisionNumber"`
	RevisionID            string         `json:"revisionId"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

// StringField reads a string value out of StructuredData.
func (s *Shard) StringField(key string) (string, bool) {
	if s.StructuredData == nil {
		return "", false
	}
	v, ok := s.StructuredData[key].(string)
	return v, ok
}

// NumberField reads a numeric value out of StructuredData. Values that went
// through a JSON round trip decode as float64; int and int64 are accepted
// for values set in-process.
func (s *Shard) NumberField(key string) (float64, bool) {
	if s.StructuredData == nil {
		return 0, false
	}
	switch v := s.StructuredData[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// StringsField reads a string-slice value out of StructuredData, accepting
// both []string and the []any form produced by a JSON round trip.
func (s *Shard) StringsField(key string) []string {
	if s.StructuredData == nil {
		return nil
	}
	switch v := s.StructuredData[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// SetField writes a value into StructuredData, allocating the map if needed.
func (s *Shard) SetField(key string, value any) {
	if s.StructuredData == nil {
		s.StructuredData = make(map[string]any)
	}
	s.StructuredData[key] = value
}

// DigestStatus tracks the lifecycle of a pending notification digest.
type DigestStatus int

const (
	DigestPending DigestStatus = iota
	DigestSent
	DigestFailed
)

var digestStatusNames = map[DigestStatus]string{
	DigestPending: "pending",
	DigestSent:    "sent",
	DigestFailed:  "failed",
}

// String returns the wire name of the digest status.
func (d DigestStatus) String() string {
	if name, ok := digestStatusNames[d]; ok {
		return name
	}
	return "pending"
}

// MarshalJSON encodes the digest status as its string name.
func (d DigestStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a string name into a DigestStatus.
func (d *DigestStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for status, name := range digestStatusNames {
		if name == s {
			*d = status
			return nil
		}
	}
	*d = DigestPending
	return nil
}

// Digest is a pending aggregation of notifications for one tenant/user,
// due for delivery once PeriodEnd has passed.
type Digest struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenantId"`
	UserID          string       `json:"userId"`
	PeriodStart     time.Time    `json:"periodStart"`
	PeriodEnd       time.Time    `json:"periodEnd"`
	Status          DigestStatus `json:"status"`
	NotificationIDs []string     `json:"notificationIds,omitempty"`
	SentAt          *time.Time   `json:"sentAt,omitempty"`
	FailureReason   string       `json:"failureReason,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
}
