package store

import (
	"database/sql"
	"errors"

	"suyang/api/internal/complaint"
)

// Table is the name the change feed reports for complaint rows.
const Table = "complaints"

var ErrNotFound = errors.New("complaint not found")

// Patch is a partial admin update. Nil fields are left untouched.
type Patch struct {
	Location *string
	Coords   *complaint.Coords
	Status   *complaint.Status
}

func (p Patch) empty() bool {
	return p.Location == nil && p.Coords == nil && p.Status == nil
}

// Photo is the stored image for a single complaint.
type Photo struct {
	Data        []byte
	Key         string
	ContentType string
}

const complaintColumns = `id, category, location, lng, lat, message, photo IS NOT NULL OR photo_key <> '', status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComplaint(row rowScanner) (complaint.Complaint, error) {
	var (
		c        complaint.Complaint
		lng, lat sql.NullFloat64
		status   string
	)
	if err := row.Scan(&c.ID, &c.Category, &c.Location, &lng, &lat, &c.Message, &c.HasPhoto, &status, &c.CreatedAt); err != nil {
		return complaint.Complaint{}, err
	}
	if lng.Valid && lat.Valid {
		c.Coords = &complaint.Coords{Lng: lng.Float64, Lat: lat.Float64}
	}
	parsed, err := complaint.ParseStatus(status)
	if err != nil {
		// Rows written before the status constraint existed read as none.
		parsed = complaint.StatusNone
	}
	c.Status = parsed
	return c, nil
}

func nullableCoords(c *complaint.Coords) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lng, Valid: true}, sql.NullFloat64{Float64: c.Lat, Valid: true}
}
