package identity

import "time"

type Role string

const (
	RoleClient    Role = "client"
	RoleDeveloper Role = "developer"
	RoleAdmin     Role = "admin"
)

// User is the domain representation of a platform account. It mirrors the
// users table and carries no JSON annotations so it can be reused by
// different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Actor is the authenticated caller every workflow operation receives.
type Actor struct {
	UserID string
	Role   Role
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
