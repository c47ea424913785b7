package domain

import "time"

// User is a registered account that owns applications.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}
