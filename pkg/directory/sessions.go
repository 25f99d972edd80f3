package directory

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// GetSession returns the session with the given ID.
func (s *Store) GetSession(ctx context.Context, id uint) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).First(&session, id).Error; err != nil {
		return nil, convertNotFoundError(err, ErrSessionNotFound)
	}
	return &session, nil
}

// ListSessions returns all sessions ordered by ID.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	if err := s.db.WithContext(ctx).Order("id").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListSessionIDs returns the IDs of all sessions. This is the resource set
// seeded into the lease manager.
func (s *Store) ListSessionIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&Session{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// CreateOrUpdateSession upserts a session by phone. An existing account gets
// its credential, API keys and proxy replaced; a new one is inserted.
func (s *Store) CreateOrUpdateSession(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tel"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"session", "api_id", "api_hash", "proxy", "updated_at",
		}),
	}).Create(session).Error
}

// FindSubscribedSession returns a session already mapped to the entity, or
// ErrSessionNotFound when the channel has no sticky session yet.
func (s *Store) FindSubscribedSession(ctx context.Context, entityID uint) (*Session, error) {
	// Subquery keeps the table naming backend-agnostic (Postgres prefixes
	// the schema).
	mapped := s.db.Model(&SessionEntityMap{}).
		Select("session_id").
		Where("entity_id = ?", entityID)

	var session Session
	err := s.db.WithContext(ctx).
		Where("id IN (?)", mapped).
		First(&session).Error
	if err != nil {
		return nil, convertNotFoundError(err, ErrSessionNotFound)
	}
	return &session, nil
}

// EnsureMapping records the sticky session-entity binding. Idempotent: an
// existing pair is left untouched.
func (s *Store) EnsureMapping(ctx context.Context, sessionID, entityID uint) error {
	mapping := SessionEntityMap{
		SessionID: sessionID,
		EntityID:  entityID,
	}
	err := s.db.WithContext(ctx).Create(&mapping).Error
	if err != nil && isUniqueConstraintError(err) {
		return nil
	}
	return err
}
