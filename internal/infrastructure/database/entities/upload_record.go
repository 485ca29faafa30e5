package entities

import "time"

// UploadRecord is the domain record uploaded media attaches to.
type UploadRecord struct {
	ID               string    `gorm:"type:varchar(64);primaryKey"`
	OwnerID          string    `gorm:"type:varchar(128);not null;index"`
	MediaKey         string    `gorm:"type:varchar(512)"`
	MediaProvider    string    `gorm:"type:varchar(32)"`
	MediaContentType string    `gorm:"type:varchar(64)"`
	MediaBytes       int64     `gorm:"not null;default:0"`
	MediaSessionID   string    `gorm:"type:varchar(40);index"`
	Version          int64     `gorm:"not null;default:1"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

func (UploadRecord) TableName() string {
	return "upload_records"
}
