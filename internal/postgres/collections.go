package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nendo-server/internal/domain"
)

const collectionColumns = `id, name, description, collection_type, user_id, visibility, meta, created_at, updated_at`

func scanCollection(row interface{ Scan(...interface{}) error }) (*domain.Collection, error) {
	var c domain.Collection
	var meta []byte
	err := row.Scan(
		&c.ID, &c.Name, &c.Description, &c.CollectionType,
		&c.UserID, &c.Visibility, &meta, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Meta = unmarshalMap(meta)
	return &c, nil
}

// CreateCollection inserts a collection and its initial track memberships.
func (l *Library) CreateCollection(ctx context.Context, c *domain.Collection, trackIDs []uuid.UUID) (*domain.Collection, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CollectionType == "" {
		c.CollectionType = "collection"
	}
	if c.Visibility == "" {
		c.Visibility = domain.VisibilityPrivate
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	meta, err := marshalJSON(c.Meta)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO collections (id, name, description, collection_type, user_id, visibility, meta, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`,
		c.ID, c.Name, c.Description, c.CollectionType, c.UserID, c.Visibility, meta, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	for i, trackID := range trackIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO collection_tracks (collection_id, track_id, position)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING;`,
			c.ID, trackID, i); err != nil {
			return nil, fmt.Errorf("add track to new collection: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

// GetCollection fetches a collection scoped to the user.
func (l *Library) GetCollection(ctx context.Context, collectionID, userID uuid.UUID) (*domain.Collection, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections
		 WHERE id = $1 AND (user_id = $2 OR visibility = 'public');`,
		collectionID, userID,
	)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return c, err
}

// GetCollections lists the user's collections of the given type, newest
// first. An empty collectionType lists all non-temp collections.
func (l *Library) GetCollections(ctx context.Context, userID uuid.UUID, collectionType string, limit, offset int) ([]*domain.Collection, int, error) {
	db, err := l.get()
	if err != nil {
		return nil, 0, err
	}

	where := `WHERE user_id = $1 AND collection_type <> 'temp'`
	args := []interface{}{userID}
	if collectionType != "" {
		where = `WHERE user_id = $1 AND collection_type = $2`
		args = append(args, collectionType)
	}

	var total int
	if err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM collections `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + collectionColumns + ` FROM collections ` + where +
		` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*domain.Collection{}
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// UpdateCollection overwrites name, description, type and visibility.
func (l *Library) UpdateCollection(ctx context.Context, c *domain.Collection) (*domain.Collection, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	meta, err := marshalJSON(c.Meta)
	if err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now().UTC()
	res, err := db.ExecContext(ctx,
		`UPDATE collections SET name = $1, description = $2, collection_type = $3,
		 visibility = $4, meta = $5, updated_at = $6
		 WHERE id = $7 AND user_id = $8;`,
		c.Name, c.Description, c.CollectionType, c.Visibility, meta, c.UpdatedAt, c.ID, c.UserID,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

// DeleteCollection removes a collection; memberships cascade.
func (l *Library) DeleteCollection(ctx context.Context, collectionID, userID uuid.UUID) error {
	db, err := l.get()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM collections WHERE id = $1 AND user_id = $2;`, collectionID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AddTrackToCollection appends a track to a collection.
func (l *Library) AddTrackToCollection(ctx context.Context, collectionID, trackID uuid.UUID) error {
	db, err := l.get()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO collection_tracks (collection_id, track_id, position)
		 SELECT $1, $2, COALESCE(max(position) + 1, 0) FROM collection_tracks WHERE collection_id = $1
		 ON CONFLICT DO NOTHING;`,
		collectionID, trackID)
	return err
}

// RemoveTrackFromCollection drops a single membership.
func (l *Library) RemoveTrackFromCollection(ctx context.Context, collectionID, trackID uuid.UUID) error {
	db, err := l.get()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM collection_tracks WHERE collection_id = $1 AND track_id = $2;`,
		collectionID, trackID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CollectionSize counts the tracks in a collection.
func (l *Library) CollectionSize(ctx context.Context, collectionID uuid.UUID) (int, error) {
	db, err := l.get()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx,
		`SELECT count(*) FROM collection_tracks WHERE collection_id = $1;`, collectionID).Scan(&n)
	return n, err
}

// SaveTempCollection converts a temp collection into a named persistent one.
func (l *Library) SaveTempCollection(ctx context.Context, collectionID, userID uuid.UUID, name string) (*domain.Collection, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE collections SET name = $1, collection_type = 'collection', updated_at = now()
		 WHERE id = $2 AND user_id = $3 AND collection_type = 'temp';`,
		name, collectionID, userID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound
	}
	return l.GetCollection(ctx, collectionID, userID)
}

// CollectionTrackIDs returns the ordered track ids of a collection.
func (l *Library) CollectionTrackIDs(ctx context.Context, collectionID uuid.UUID) ([]uuid.UUID, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT track_id FROM collection_tracks WHERE collection_id = $1 ORDER BY position;`,
		collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateRelatedCollection creates a new collection linked to a source
// collection via a relationship record.
func (l *Library) CreateRelatedCollection(ctx context.Context, sourceID uuid.UUID, c *domain.Collection, trackIDs []uuid.UUID) (*domain.Collection, error) {
	created, err := l.CreateCollection(ctx, c, trackIDs)
	if err != nil {
		return nil, err
	}
	rel := &domain.Relationship{
		SourceID:         sourceID,
		TargetID:         created.ID,
		RelationshipType: "relationship",
	}
	if err := l.AddRelationship(ctx, rel); err != nil {
		return nil, err
	}
	return created, nil
}

// RelatedCollections returns collections linked to the given one.
func (l *Library) RelatedCollections(ctx context.Context, collectionID, userID uuid.UUID) ([]*domain.Collection, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+prefixColumns("c", collectionColumns)+` FROM collections c
		 JOIN track_relationships tr
		   ON (tr.target_id = c.id AND tr.source_id = $1)
		   OR (tr.source_id = c.id AND tr.target_id = $1)
		 WHERE c.user_id = $2 OR c.visibility = 'public';`,
		collectionID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*domain.Collection{}
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
