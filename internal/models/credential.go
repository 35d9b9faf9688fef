package models

import "time"

// Credential stores the opaque transport credential blob for one session.
// Location is the session's credential location (equal to its session id).
type Credential struct {
	Location   string `gorm:"primaryKey;size:128"`
	Blob       []byte `gorm:"column:data;type:blob"`
	Registered bool   `gorm:"default:false;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
