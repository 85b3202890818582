package sqlxrepos

import (
	"context"
	"database/sql"
	"net/mail"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aprendia/backend/core/streak"
)

// userDirectory reads the platform-owned users table for notification email
// lookups. The engine never writes to it.
type userDirectory struct {
	db *sqlx.DB
}

var _ streak.UserDirectory = (*userDirectory)(nil) // interface compliance check

func NewUserDirectory(db *sqlx.DB) *userDirectory {
	return &userDirectory{db: db}
}

func (dir userDirectory) GetUserEmail(ctx context.Context, userID string) (mail.Address, error) {
	var dest struct {
		Name  string `db:"name"`
		Email string `db:"email"`
	}
	err := dir.db.GetContext(ctx, &dest, `SELECT name, email FROM users WHERE id = $1`, userID)
	if err == sql.ErrNoRows {
		return mail.Address{}, errors.Errorf("user %s not found", userID)
	}
	if err != nil {
		return mail.Address{}, errors.Wrap(err, "getting user email")
	}
	if dest.Email == "" {
		return mail.Address{}, errors.Errorf("user %s has no email", userID)
	}
	return mail.Address{Name: dest.Name, Address: dest.Email}, nil
}
