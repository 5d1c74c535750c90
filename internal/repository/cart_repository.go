package repository

import (
	"context"

	"github.com/iliyamo/tour-booking/internal/model"
)

// CartRepo covers the two collaborator writes settlement performs outside
// its own tables: clearing the shopping cart and saving participants for
// reuse.  Both are best effort from the caller's point of view.
type CartRepo struct {
	db dbtx
}

// DeleteCartByUser removes the user's active cart; cart_items cascade.
// Deleting a cart that does not exist is not an error.
func (r *CartRepo) DeleteCartByUser(ctx context.Context, userID uint64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM carts WHERE user_id = ?`, userID)
	return err
}

// SaveParticipant stores a participant in the user's saved list unless a
// row with the same document id already exists.
func (r *CartRepo) SaveParticipant(ctx context.Context, userID uint64, p model.ParticipantData) error {
	const q = `INSERT INTO saved_participants (user_id, full_name, document_id, nationality, date_of_birth,
		pickup_address, email, phone, is_self, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, UTC_TIMESTAMP() FROM DUAL
		WHERE NOT EXISTS (SELECT 1 FROM saved_participants WHERE user_id = ? AND document_id = ? AND document_id <> '')`
	_, err := r.db.ExecContext(ctx, q, userID, p.FullName, p.DocumentID, p.Nationality, p.DateOfBirth,
		p.PickupAddress, p.Email, p.Phone, p.MarkAsSelf, userID, p.DocumentID)
	return err
}
