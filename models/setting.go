package models

import "time"

// Setting is a key/value business setting used by message templates
type Setting struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	Key       string    `gorm:"not null;uniqueIndex" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettingKeys lists the keys the settings endpoint accepts
var SettingKeys = []string{
	"businessName",
	"businessPhone",
	"ownerName",
	"bookingLink",
	"websiteUrl",
	"googleReviewUrl",
}

// IsSettingKey reports whether key is one of SettingKeys
func IsSettingKey(key string) bool {
	for _, k := range SettingKeys {
		if k == key {
			return true
		}
	}
	return false
}
