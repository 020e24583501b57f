package domain

import (
	"time"

	"github.com/google/uuid"
)

// Project scopes branches and entity versions. Every project owns exactly
// one main branch, created alongside the project.
type Project struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// NewProject creates a project record.
func NewProject(name string) Project {
	return Project{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now(),
	}
}
