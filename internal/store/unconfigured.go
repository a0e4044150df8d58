package store

import (
	"context"

	"suyang/api/internal/complaint"
)

// Unconfigured stands in for PostgresStore when no database URL is set.
// Every call fails with complaint.ErrNotConfigured.
type Unconfigured struct{}

func (Unconfigured) Ping(context.Context) error { return complaint.ErrNotConfigured }

func (Unconfigured) ListComplaints(context.Context) ([]complaint.Complaint, error) {
	return nil, complaint.ErrNotConfigured
}

func (Unconfigured) UpdateComplaint(context.Context, string, Patch) error {
	return complaint.ErrNotConfigured
}

func (Unconfigured) SoftDeleteComplaints(context.Context, []string) error {
	return complaint.ErrNotConfigured
}

func (Unconfigured) PurgeComplaints(context.Context, []string) ([]string, error) {
	return nil, complaint.ErrNotConfigured
}

func (Unconfigured) GetPhoto(context.Context, string) (Photo, error) {
	return Photo{}, complaint.ErrNotConfigured
}

func (Unconfigured) SearchComplaints(context.Context, string, []string, int) ([]complaint.Complaint, error) {
	return nil, complaint.ErrNotConfigured
}
