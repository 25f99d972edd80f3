package directory

import (
	"context"
	"time"
)

// OverlappingCollections returns the collection records of the entity whose
// datetime range intersects [from, to]: either endpoint of one interval
// falls inside the other, or one contains the other. Ordered by range start.
func (s *Store) OverlappingCollections(ctx context.Context, entityID uint, from, to time.Time) ([]ChannelCollection, error) {
	var records []ChannelCollection
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Where(
			"(from_datetime BETWEEN ? AND ?) OR (to_datetime BETWEEN ? AND ?) OR (from_datetime <= ? AND to_datetime >= ?)",
			from, to,
			from, to,
			from, to,
		).
		Order("from_datetime").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CreateCollection inserts one collection record. The (entity, message
// range) pair is unique; a duplicate insert fails with
// ErrDuplicateCollection.
func (s *Store) CreateCollection(ctx context.Context, record *ChannelCollection) error {
	err := s.db.WithContext(ctx).Create(record).Error
	if err != nil && isUniqueConstraintError(err) {
		return ErrDuplicateCollection
	}
	return err
}

// ListCollections returns all collection records of the entity ordered by
// range start.
func (s *Store) ListCollections(ctx context.Context, entityID uint) ([]ChannelCollection, error) {
	var records []ChannelCollection
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("from_datetime").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
