package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"nendo-server/internal/domain"
)

// TrackQuery collects the listing parameters of the tracks endpoints.
type TrackQuery struct {
	UserID       uuid.UUID
	CollectionID *uuid.UUID
	RelatedToID  *uuid.UUID
	TrackTypes   []string
	// SearchMeta maps a meta key to the terms it must contain. The empty
	// key searches across the whole meta document.
	SearchMeta   map[string][]string
	RangeFilters map[string][2]float64
	ValueFilters map[string]string
	OrderBy      string
	Order        string
	Limit        int
	Offset       int
}

const trackColumns = `id, user_id, track_type, visibility, resource, images, meta, created_at, updated_at`

func scanTrack(row interface{ Scan(...interface{}) error }) (*domain.Track, error) {
	var t domain.Track
	var resource, images, meta []byte
	err := row.Scan(
		&t.ID, &t.UserID, &t.TrackType, &t.Visibility,
		&resource, &images, &meta, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(resource) > 0 {
		_ = json.Unmarshal(resource, &t.Resource)
	}
	if len(images) > 0 {
		_ = json.Unmarshal(images, &t.Images)
	}
	t.Meta = unmarshalMap(meta)
	return &t, nil
}

// CreateTrack inserts a new track and returns it.
func (l *Library) CreateTrack(ctx context.Context, t *domain.Track) (*domain.Track, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.TrackType == "" {
		t.TrackType = "track"
	}
	if t.Visibility == "" {
		t.Visibility = domain.VisibilityPrivate
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	resource, err := marshalJSON(t.Resource)
	if err != nil {
		return nil, err
	}
	images, err := json.Marshal(t.Images)
	if err != nil {
		return nil, err
	}
	if t.Images == nil {
		images = []byte("[]")
	}
	meta, err := marshalJSON(t.Meta)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO tracks (id, user_id, track_type, visibility, resource, images, meta, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`,
		t.ID, t.UserID, t.TrackType, t.Visibility, resource, images, meta, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create track: %w", err)
	}
	return t, nil
}

// GetTrack fetches a single track scoped to the given user, including its
// plugin data and relationships.
func (l *Library) GetTrack(ctx context.Context, trackID, userID uuid.UUID) (*domain.Track, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+trackColumns+` FROM tracks
		 WHERE id = $1 AND (user_id = $2 OR visibility = 'public');`,
		trackID, userID,
	)
	t, err := scanTrack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.PluginData, err = l.getPluginData(ctx, db, trackID); err != nil {
		return nil, err
	}
	if t.RelatedTracks, err = l.getRelationships(ctx, db, trackID); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTrack overwrites the mutable fields of a track.
func (l *Library) UpdateTrack(ctx context.Context, t *domain.Track) (*domain.Track, error) {
	db, err := l.get()
	if err != nil {
		return nil, err
	}
	resource, err := marshalJSON(t.Resource)
	if err != nil {
		return nil, err
	}
	images, err := json.Marshal(t.Images)
	if err != nil {
		return nil, err
	}
	meta, err := marshalJSON(t.Meta)
	if err != nil {
		return nil, err
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := db.ExecContext(ctx,
		`UPDATE tracks SET track_type = $1, visibility = $2, resource = $3,
		 images = $4, meta = $5, updated_at = $6
		 WHERE id = $7 AND user_id = $8;`,
		t.TrackType, t.Visibility, resource, images, meta, t.UpdatedAt, t.ID, t.UserID,
	)
	if err != nil {
		return nil, fmt.Errorf("update track: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

// DeleteTrack removes a track along with its plugin data, relationships and
// collection memberships.
func (l *Library) DeleteTrack(ctx context.Context, trackID, userID uuid.UUID) error {
	db, err := l.get()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM track_relationships WHERE source_id = $1 OR target_id = $1;`, trackID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM tracks WHERE id = $1 AND user_id = $2;`, trackID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}

// GetTracks lists tracks matching the query plus the total match count.
func (l *Library) GetTracks(ctx context.Context, q TrackQuery) ([]*domain.Track, int, error) {
	db, err := l.get()
	if err != nil {
		return nil, 0, err
	}

	where, args := buildTrackWhere(q)
	countSQL := `SELECT count(*) FROM tracks t ` + trackJoins(q) + where
	var total int
	if err := db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tracks: %w", err)
	}

	listSQL := `SELECT ` + prefixColumns("t", trackColumns) + ` FROM tracks t ` +
		trackJoins(q) + where + buildTrackOrder(q)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		listSQL += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		listSQL += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := db.QueryContext(ctx, listSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tracks: %w", err)
	}
	defer rows.Close()

	tracks := []*domain.Track{}
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, 0, err
		}
		tracks = append(tracks, t)
	}
	return tracks, total, rows.Err()
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func trackJoins(q TrackQuery) string {
	var b strings.Builder
	if q.CollectionID != nil {
		b.WriteString(`JOIN collection_tracks ct ON ct.track_id = t.id `)
	}
	if q.RelatedToID != nil {
		b.WriteString(`JOIN track_relationships tr ON (tr.source_id = t.id OR tr.target_id = t.id) `)
	}
	return b.String()
}

func buildTrackWhere(q TrackQuery) (string, []interface{}) {
	conds := []string{}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	conds = append(conds, `(t.user_id = `+arg(q.UserID)+` OR t.visibility = 'public')`)
	if q.CollectionID != nil {
		conds = append(conds, `ct.collection_id = `+arg(*q.CollectionID))
	}
	if q.RelatedToID != nil {
		conds = append(conds,
			`(tr.source_id = `+arg(*q.RelatedToID)+` OR tr.target_id = `+arg(*q.RelatedToID)+`)`,
			`t.id <> `+arg(*q.RelatedToID))
	}
	if len(q.TrackTypes) > 0 {
		ph := make([]string, len(q.TrackTypes))
		for i, tt := range q.TrackTypes {
			ph[i] = arg(tt)
		}
		conds = append(conds, `t.track_type IN (`+strings.Join(ph, ", ")+`)`)
	}
	for key, terms := range q.SearchMeta {
		for _, term := range terms {
			if term == "" {
				continue
			}
			if key == "" {
				conds = append(conds, `t.meta::text ILIKE `+arg("%"+term+"%"))
			} else {
				conds = append(conds, `t.meta->>`+arg(key)+` ILIKE `+arg("%"+term+"%"))
			}
		}
	}
	for key, bounds := range q.RangeFilters {
		conds = append(conds,
			`(t.meta->>`+arg(key)+`)::float8 BETWEEN `+arg(bounds[0])+` AND `+arg(bounds[1]))
	}
	for key, value := range q.ValueFilters {
		conds = append(conds, `t.meta->>`+arg(key)+` = `+arg(value))
	}
	return `WHERE ` + strings.Join(conds, " AND "), args
}

func safeOrderKey(s string) bool {
	for _, r := range s {
		if !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return s != ""
}

func buildTrackOrder(q TrackQuery) string {
	dir := " DESC"
	if strings.EqualFold(q.Order, "asc") {
		dir = " ASC"
	}
	if q.OrderBy == "" || q.OrderBy == "created_at" || !safeOrderKey(q.OrderBy) {
		return ` ORDER BY t.created_at` + dir
	}
	// Meta keys cannot be bound as placeholders inside ORDER BY, hence the
	// character whitelist above.
	return ` ORDER BY t.meta->>'` + q.OrderBy + `'` + dir + `, t.created_at DESC`
}

func (l *Library) getPluginData(ctx context.Context, db *sql.DB, trackID uuid.UUID) ([]domain.PluginData, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, track_id, user_id, plugin_name, plugin_version, key, value
		 FROM plugin_data WHERE track_id = $1;`, trackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.PluginData{}
	for rows.Next() {
		var pd domain.PluginData
		if err := rows.Scan(&pd.ID, &pd.TrackID, &pd.UserID, &pd.PluginName,
			&pd.PluginVersion, &pd.Key, &pd.Value); err != nil {
			return nil, err
		}
		out = append(out, pd)
	}
	return out, rows.Err()
}

func (l *Library) getRelationships(ctx context.Context, db *sql.DB, trackID uuid.UUID) ([]domain.Relationship, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, source_id, target_id, relationship_type, meta
		 FROM track_relationships WHERE source_id = $1 OR target_id = $1;`, trackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Relationship{}
	for rows.Next() {
		var rel domain.Relationship
		var meta []byte
		if err := rows.Scan(&rel.ID, &rel.SourceID, &rel.TargetID,
			&rel.RelationshipType, &meta); err != nil {
			return nil, err
		}
		rel.Meta = unmarshalMap(meta)
		out = append(out, rel)
	}
	return out, rows.Err()
}

// AddPluginData attaches a plugin key/value to a track.
func (l *Library) AddPluginData(ctx context.Context, pd *domain.PluginData) error {
	db, err := l.get()
	if err != nil {
		return err
	}
	if pd.ID == uuid.Nil {
		pd.ID = uuid.New()
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO plugin_data (id, track_id, user_id, plugin_name, plugin_version, key, value)
		 VALUES ($1, $2, $3, $4, $5, $6, $7);`,
		pd.ID, pd.TrackID, pd.UserID, pd.PluginName, pd.PluginVersion, pd.Key, pd.Value)
	return err
}

// AddRelationship links two library objects.
func (l *Library) AddRelationship(ctx context.Context, rel *domain.Relationship) error {
	db, err := l.get()
	if err != nil {
		return err
	}
	if rel.ID == uuid.Nil {
		rel.ID = uuid.New()
	}
	meta, err := marshalJSON(rel.Meta)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO track_relationships (id, source_id, target_id, relationship_type, meta)
		 VALUES ($1, $2, $3, $4, $5);`,
		rel.ID, rel.SourceID, rel.TargetID, rel.RelationshipType, meta)
	return err
}

// TrackDuration reads the duration meta field, returning 0 when absent.
func TrackDuration(t *domain.Track) float64 {
	if t == nil || t.Meta == nil {
		return 0
	}
	switch v := t.Meta["duration"].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}
