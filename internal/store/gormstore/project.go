package gormstore

import (
	"context"

	"gorm.io/gorm"

	"apex-orchestrator/internal/store"
	"apex-orchestrator/internal/store/models"
)

// ProjectStore implements store.ProjectStore over GORM.
type ProjectStore struct {
	db *gorm.DB
}

func NewProjectStore(db *gorm.DB) *ProjectStore { return &ProjectStore{db: db} }

func (s *ProjectStore) Get(ctx context.Context, projectID uint) (store.Project, error) {
	var p models.Project
	if err := s.db.WithContext(ctx).First(&p, projectID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return store.Project{}, store.ErrNotFoundProject
		}
		return store.Project{}, err
	}
	return store.Project{ID: p.ID, OwnerID: p.OwnerID, Name: p.Name, GithubURL: p.GithubURL}, nil
}

func (s *ProjectStore) UpdateGithubURL(ctx context.Context, projectID uint, url *string) error {
	val := ""
	if url != nil {
		val = *url
	}
	return s.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", projectID).
		UpdateColumn("github_url", val).Error
}
