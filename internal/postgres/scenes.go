package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"nendo-server/internal/domain"
)

func scanScene(row interface{ Scan(...interface{}) error }) (*domain.Scene, error) {
	var (
		s        domain.Scene
		channels []byte
	)
	err := row.Scan(&s.ID, &s.UserID, &s.Name, &s.Author, &s.Date, &channels, &s.Tempo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Channels = channels
	return &s, nil
}

// CreateScene inserts a scene and returns its generated id.
func (l *Library) CreateScene(ctx context.Context, s *domain.Scene) (int, error) {
	db, err := l.get()
	if err != nil {
		return 0, err
	}
	channels := s.Channels
	if channels == nil {
		channels = []byte("[]")
	}
	var id int
	err = db.QueryRowContext(ctx,
		`INSERT INTO scenes (user_id, name, author, date, channels, tempo)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id;`,
		s.UserID, s.Name, s.Author, s.Date, channels, s.Tempo).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create scene: %w", err)
	}
	s.ID = id
	return id, nil
}

// GetScene loads one scene owned by userID.
func (l *Library) GetScene(ctx context.Context, userID uuid.UUID, id int) (*domain.Scene, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT id, user_id, name, author, date, channels, tempo
		 FROM scenes WHERE id = $1 AND user_id = $2;`, id, userID)
	return scanScene(row)
}

// GetScenes lists the caller's scenes, newest first.
func (l *Library) GetScenes(ctx context.Context, userID uuid.UUID) ([]*domain.Scene, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, user_id, name, author, date, channels, tempo
		 FROM scenes WHERE user_id = $1 ORDER BY id DESC;`, userID)
	if err != nil {
		return nil, fmt.Errorf("get scenes: %w", err)
	}
	defer rows.Close()
	scenes := make([]*domain.Scene, 0)
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, s)
	}
	return scenes, rows.Err()
}

// UpdateScene overwrites a scene owned by userID.
func (l *Library) UpdateScene(ctx context.Context, userID uuid.UUID, s *domain.Scene) error {
	db, err := l.get()
	if err != nil {
		return err
	}
	channels := s.Channels
	if channels == nil {
		channels = []byte("[]")
	}
	res, err := db.ExecContext(ctx,
		`UPDATE scenes SET name = $1, author = $2, date = $3, channels = $4, tempo = $5
		 WHERE id = $6 AND user_id = $7;`,
		s.Name, s.Author, s.Date, channels, s.Tempo, s.ID, userID)
	if err != nil {
		return fmt.Errorf("update scene: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteScene removes a scene owned by userID.
func (l *Library) DeleteScene(ctx context.Context, userID uuid.UUID, id int) error {
	db, err := l.get()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM scenes WHERE id = $1 AND user_id = $2;`, id, userID)
	if err != nil {
		return fmt.Errorf("delete scene: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
