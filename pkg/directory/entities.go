package directory

import (
	"context"
	"errors"
)

// GetEntityByURL returns the entity resolved from the given channel URL.
func (s *Store) GetEntityByURL(ctx context.Context, url string) (*Entity, error) {
	var entity Entity
	if err := s.db.WithContext(ctx).Where("entity_url = ?", url).First(&entity).Error; err != nil {
		return nil, convertNotFoundError(err, ErrEntityNotFound)
	}
	return &entity, nil
}

// GetEntityByExternalID returns the entity with the platform-assigned ID.
func (s *Store) GetEntityByExternalID(ctx context.Context, externalID int64) (*Entity, error) {
	var entity Entity
	if err := s.db.WithContext(ctx).Where("entity_id = ?", externalID).First(&entity).Error; err != nil {
		return nil, convertNotFoundError(err, ErrEntityNotFound)
	}
	return &entity, nil
}

// CreateOrGetEntity returns the entity for the URL, creating it when unseen.
// Lookup order is first-by-url then first-by-external-id; the boolean reports
// whether a new row was inserted. Run inside Serializable so that concurrent
// first resolutions of the same channel collapse to one row.
func (s *Store) CreateOrGetEntity(ctx context.Context, url string, externalID int64, name string) (*Entity, bool, error) {
	entity, err := s.GetEntityByURL(ctx, url)
	if err == nil {
		return entity, false, nil
	}
	if !errors.Is(err, ErrEntityNotFound) {
		return nil, false, err
	}

	entity, err = s.GetEntityByExternalID(ctx, externalID)
	if err == nil {
		return entity, false, nil
	}
	if !errors.Is(err, ErrEntityNotFound) {
		return nil, false, err
	}

	created := &Entity{
		EntityID:   externalID,
		EntityName: name,
		EntityURL:  url,
	}
	if err := s.db.WithContext(ctx).Create(created).Error; err != nil {
		return nil, false, err
	}
	return created, true, nil
}
