package core

import "fmt"

// ValidateShard checks the invariants every stored shard must satisfy.
func ValidateShard(s *Shard) error {
	if s == nil {
		return ErrInvalidShard
	}
	if s.TenantID == "" {
		return ErrMissingTenant
	}
	if s.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidShard)
	}
	if s.RevisionNumber < 0 {
		return fmt.Errorf("%w: revision number must not be negative", ErrInvalidShard)
	}
	for _, edge := range s.InternalRelationships {
		if err := ValidateRelationship(edge); err != nil {
			return err
		}
	}
	for _, edge := range s.ExternalRelationships {
		if err := ValidateRelationship(edge); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRelationship checks a relationship edge.
func ValidateRelationship(r Relationship) error {
	if r.ShardID == "" {
		return fmt.Errorf("%w: relationship target required", ErrInvalidShard)
	}
	if r.Metadata.Confidence < 0 || r.Metadata.Confidence > 1 {
		return ErrInvalidConfidence
	}
	return nil
}

// ValidateDigest checks the invariants of a digest entry.
func ValidateDigest(d *Digest) error {
	if d == nil {
		return ErrInvalidDigest
	}
	if d.TenantID == "" {
		return ErrMissingTenant
	}
	if d.PeriodEnd.IsZero() {
		return fmt.Errorf("%w: period end required", ErrInvalidDigest)
	}
	if d.PeriodEnd.Before(d.PeriodStart) {
		return fmt.Errorf("%w: period end before period start", ErrInvalidDigest)
	}
	return nil
}
