package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/telecare/session-api/internal/model"
)

func (r *contactRepository) Get(ctx context.Context, userID uuid.UUID) (*model.Contact, error) {
	query := `SELECT user_id, email, push_token FROM contacts WHERE user_id = $1`

	var contact model.Contact
	err := r.db.GetContext(ctx, &contact, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return &contact, nil
}
