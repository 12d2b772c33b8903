package identity

import "time"

type Role string

const (
	RolePayer    Role = "payer"
	RoleProvider Role = "provider"
	RoleOperator Role = "operator"
)

// Account is the domain representation of an authenticated participant. The
// settlement core never sees this type; it only receives the opaque
// IdentityKey after the edge has verified the caller.
type Account struct {
	IdentityKey  string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
