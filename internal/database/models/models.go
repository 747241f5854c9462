// Package models contains the database model definitions.
package models

import (
	"time"
)

// Setting represents a persisted key/value pair. The connectivity
// configuration record is stored as a group of settings sharing a key
// prefix.
// Table: settings
type Setting struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Key       string    `gorm:"column:key;uniqueIndex"`
	Value     string    `gorm:"column:value"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Setting) TableName() string { return "settings" }

// All returns every model managed by migrations.
func All() []interface{} {
	return []interface{}{&Setting{}}
}
