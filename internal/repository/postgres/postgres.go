package postgres

import (
	"github.com/jmoiron/sqlx"

	"github.com/telecare/session-api/internal/repository"
)

type appointmentRepository struct {
	db *sqlx.DB
}

type callStateRepository struct {
	db *sqlx.DB
}

type notificationRepository struct {
	db *sqlx.DB
}

type issueReportRepository struct {
	db *sqlx.DB
}

type contactRepository struct {
	db *sqlx.DB
}

func NewAppointmentRepository(db *sqlx.DB) repository.AppointmentRepository {
	return &appointmentRepository{db: db}
}

func NewCallStateRepository(db *sqlx.DB) repository.CallStateRepository {
	return &callStateRepository{db: db}
}

func NewNotificationRepository(db *sqlx.DB) repository.NotificationRepository {
	return &notificationRepository{db: db}
}

func NewIssueReportRepository(db *sqlx.DB) repository.IssueReportRepository {
	return &issueReportRepository{db: db}
}

func NewContactRepository(db *sqlx.DB) repository.ContactRepository {
	return &contactRepository{db: db}
}
