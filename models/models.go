package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID           uint `gorm:"primarykey"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Username     string  `gorm:"size:150;not null;uniqueIndex"`
	Email        string  `gorm:"size:255;index"`
	PasswordHash string  `gorm:"size:255"`
	Images       []Image `gorm:"foreignKey:UserID"`
}

type Image struct {
	ID         uint      `gorm:"primarykey"`
	PublicID   string    `gorm:"type:uuid;not null;uniqueIndex"`
	CreatedAt  time.Time `gorm:"index;index:idx_images_ip_created,priority:2"`
	UpdatedAt  time.Time
	UserID     uint   `gorm:"not null;index"`
	User       *User  `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	UploaderIP string `gorm:"size:45;not null;index:idx_images_ip_created,priority:1"`
	StorageKey string `gorm:"size:512;not null"`
	Filename   string `gorm:"size:255"`
	MimeType   string `gorm:"size:100"`
	Size       int64
}

// NewImage builds an unsaved image record with a fresh random public ID and
// both timestamps set to the current UTC time.
func NewImage(ownerID uint, uploaderIP, storageKey string) *Image {
	now := time.Now().UTC()
	return &Image{
		PublicID:   uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
		UserID:     ownerID,
		UploaderIP: uploaderIP,
		StorageKey: storageKey,
	}
}

// IsOwnedBy reports whether userID is the uploader of the image.
func (i *Image) IsOwnedBy(userID uint) bool {
	return userID != 0 && i.UserID == userID
}

// All lists every model the application migrates.
func All() []any {
	return []any{&User{}, &Image{}}
}
