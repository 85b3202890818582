package dummydb

import (
	"context"
	"net/mail"

	"github.com/pkg/errors"

	"github.com/aprendia/backend/core/streak"
)

type userDirectory struct {
	db *userTable
}

var _ streak.UserDirectory = (*userDirectory)(nil) // interface compliance check

func NewUserDirectory(db *DB) streak.UserDirectory {
	return &userDirectory{db: db.users}
}

func (dir *userDirectory) GetUserEmail(_ context.Context, userID string) (mail.Address, error) {
	dir.db.RLock()
	defer dir.db.RUnlock()

	if addr, ok := dir.db.emails[userID]; ok {
		return addr, nil
	}
	return mail.Address{}, errors.Errorf("user %s not found", userID)
}
