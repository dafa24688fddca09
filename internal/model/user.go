package model

import "time"

// User is the minimal author projection the pipeline needs. Account
// management, sessions and the follow graph live in a separate service.
type User struct {
	ID        int64  `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;size:100;not null"`
	Avatar    string `gorm:"size:500"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the table name for User
func (User) TableName() string {
	return "users"
}
