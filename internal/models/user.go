package models

// Role is the caller's role, carried in the access token.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
)
