package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBStore keeps credentials as models.Credential rows.
type DBStore struct {
	db *gorm.DB
}

// NewDBStore creates a DBStore. The credentials table must already be
// migrated (see db.AutoMigrate).
func NewDBStore(db *gorm.DB) (*DBStore, error) {
	if db == nil {
		return nil, fmt.Errorf("credstore: db is required")
	}
	return &DBStore{db: db}, nil
}

// Load reads the row for loc.
func (s *DBStore) Load(ctx context.Context, loc string) (Credentials, error) {
	if err := ValidateLocation(loc); err != nil {
		return Credentials{}, err
	}
	var row models.Credential
	err := s.db.WithContext(ctx).Where("location = ?", loc).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("credstore: load %s: %w", loc, err)
	}
	return Credentials{Blob: row.Blob, Registered: row.Registered, UpdatedAt: row.UpdatedAt}, nil
}

// Save upserts the row for loc.
func (s *DBStore) Save(ctx context.Context, loc string, creds Credentials) error {
	if err := ValidateLocation(loc); err != nil {
		return err
	}
	row := models.Credential{
		Location:   loc,
		Blob:       creds.Blob,
		Registered: creds.Registered,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "location"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "registered", "updated_at"}),
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("credstore: save %s: %w", loc, result.Error)
	}
	return nil
}

// Delete removes the row for loc.
func (s *DBStore) Delete(ctx context.Context, loc string) error {
	if err := ValidateLocation(loc); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("location = ?", loc).Delete(&models.Credential{}).Error; err != nil {
		return fmt.Errorf("credstore: delete %s: %w", loc, err)
	}
	return nil
}
