package core

import "github.com/google/uuid"

// Goal is the user intent a plan run serves.
type Goal struct {
	ID     string `json:"id" yaml:"id"`
	Intent string `json:"intent" yaml:"intent"`
}

// NewID returns a random identifier.
func NewID() string { return uuid.NewString() }
