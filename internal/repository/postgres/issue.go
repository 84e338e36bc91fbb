package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telecare/session-api/internal/model"
)

func (r *issueReportRepository) Create(ctx context.Context, report *model.IssueReport) error {
	query := `
		INSERT INTO issue_reports (
			id, appointment_id, reporter_id, issue_type, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`
	report.ID = uuid.New()
	report.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, query,
		report.ID,
		report.AppointmentID,
		report.ReporterID,
		report.IssueType,
		report.Description,
		report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create issue report: %w", err)
	}
	return nil
}

func (r *issueReportRepository) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*model.IssueReport, error) {
	query := `
		SELECT id, appointment_id, reporter_id, issue_type, description, created_at
		FROM issue_reports
		WHERE appointment_id = $1
		ORDER BY created_at ASC
	`
	var reports []*model.IssueReport
	err := r.db.SelectContext(ctx, &reports, query, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list issue reports: %w", err)
	}
	return reports, nil
}
