package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"suyang/api/internal/complaint"
)

// PostgresStore is the remote, multi-writer complaint table. Updates are
// last-write-wins per row; there is no version check.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListComplaints returns every live complaint, newest first. Photo bytes are
// not loaded; HasPhoto tells whether one exists.
func (s *PostgresStore) ListComplaints(ctx context.Context) ([]complaint.Complaint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+complaintColumns+`
		FROM complaints
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list complaints: %w", err)
	}
	defer rows.Close()

	items := make([]complaint.Complaint, 0)
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan complaint: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate complaints: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetComplaint(ctx context.Context, id string) (complaint.Complaint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+complaintColumns+` FROM complaints WHERE id=$1 AND deleted_at IS NULL`, id)
	c, err := scanComplaint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return complaint.Complaint{}, ErrNotFound
	}
	if err != nil {
		return complaint.Complaint{}, fmt.Errorf("get complaint: %w", err)
	}
	return c, nil
}

// InsertComplaint persists c, assigning an id when it has none.
func (s *PostgresStore) InsertComplaint(ctx context.Context, c complaint.Complaint) (complaint.Complaint, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = complaint.StatusNone
	}
	lng, lat := nullableCoords(c.Coords)
	var photo any
	if len(c.Photo) > 0 {
		photo = c.Photo
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO complaints (id, category, location, lng, lat, message, photo, photo_key, photo_content_type, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.Category, c.Location, lng, lat, c.Message, photo, c.PhotoKey, c.PhotoContentType, string(c.Status), c.CreatedAt)
	if err != nil {
		return complaint.Complaint{}, fmt.Errorf("insert complaint: %w", err)
	}
	c.HasPhoto = len(c.Photo) > 0 || c.PhotoKey != ""
	return c, nil
}

// UpdateComplaint applies p to the row with the given id.
func (s *PostgresStore) UpdateComplaint(ctx context.Context, id string, p Patch) error {
	if p.empty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if p.Location != nil {
		add("location", *p.Location)
	}
	if p.Coords != nil {
		lng, lat := nullableCoords(p.Coords)
		add("lng", lng)
		add("lat", lat)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE complaints SET %s WHERE id=$%d AND deleted_at IS NULL`, strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update complaint: %w", err)
	}
	return requireAffected(res)
}

// SoftDeleteComplaints hides the given rows from every view.
func (s *PostgresStore) SoftDeleteComplaints(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE complaints SET deleted_at=NOW() WHERE id = ANY($1) AND deleted_at IS NULL`, ids); err != nil {
		return fmt.Errorf("delete complaints: %w", err)
	}
	return nil
}

// PurgeComplaints permanently removes the given rows and returns the photo
// object keys they referenced.
func (s *PostgresStore) PurgeComplaints(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `DELETE FROM complaints WHERE id = ANY($1) RETURNING photo_key`, ids)
	if err != nil {
		return nil, fmt.Errorf("purge complaints: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan purged row: %w", err)
		}
		if key != "" {
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("purge complaints: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) GetPhoto(ctx context.Context, id string) (Photo, error) {
	var p Photo
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(photo, ''::bytea), photo_key, photo_content_type
		FROM complaints
		WHERE id=$1 AND deleted_at IS NULL
	`, id).Scan(&p.Data, &p.Key, &p.ContentType)
	if errors.Is(err, sql.ErrNoRows) {
		return Photo{}, ErrNotFound
	}
	if err != nil {
		return Photo{}, fmt.Errorf("get photo: %w", err)
	}
	if len(p.Data) == 0 && p.Key == "" {
		return Photo{}, ErrNotFound
	}
	return p, nil
}

// SearchComplaints is the Postgres fallback for full-text search.
// An empty categories list searches every category.
func (s *PostgresStore) SearchComplaints(ctx context.Context, text string, categories []string, limit int) ([]complaint.Complaint, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(text) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+complaintColumns+`
		FROM complaints
		WHERE deleted_at IS NULL AND (message ILIKE $1 OR location ILIKE $1)
		  AND (cardinality($3::text[]) = 0 OR lower(category) = ANY($3::text[]))
		ORDER BY created_at DESC
		LIMIT $2
	`, pattern, limit, append([]string{}, categories...))
	if err != nil {
		return nil, fmt.Errorf("search complaints: %w", err)
	}
	defer rows.Close()

	var items []complaint.Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan complaint: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
