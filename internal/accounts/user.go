package accounts

import (
	"strconv"

	"gorm.io/gorm"
)

// User is a registered account.
type User struct {
	gorm.Model
	Username     string `gorm:"uniqueIndex;not null" json:"username"`
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`
}

// Identity is what the rest of the service knows about a caller.
type Identity struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

func (u *User) Identity() Identity {
	return Identity{
		ID:       strconv.FormatUint(uint64(u.ID), 10),
		Email:    u.Email,
		Username: u.Username,
	}
}
