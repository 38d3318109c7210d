package alertdb

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/dbh"
	"gorm.io/gorm"
)

var ErrInvalidInput = errors.New("invalid input")

// Status filter values for List
const (
	StatusUnseen = "unseen"
	StatusSeen   = "seen"
	StatusAll    = "all"
)

// Filter selects the alerts returned by List.
// Zero values of CameraID and UserID mean "all".
type Filter struct {
	Status   string
	CameraID int64
	UserID   int64
}

func IsValidStatusFilter(s string) bool {
	return s == StatusUnseen || s == StatusSeen || s == StatusAll
}

// Add persists a new alert with seen=false, and returns it.
// The caller must have verified that CameraID and UserID resolve to
// existing records; this layer only validates shape.
func (a *AlertDB) Add(alert *Alert) error {
	if alert.Message == "" {
		return fmt.Errorf("%w: alert message may not be empty", ErrInvalidInput)
	}
	if alert.CameraID == 0 || alert.UserID == 0 {
		return fmt.Errorf("%w: alert requires a camera and a user", ErrInvalidInput)
	}
	if len(alert.Image) != 0 && alert.ImageContentType == "" {
		alert.ImageContentType = "image/jpeg"
	}
	alert.Seen = false
	alert.CreatedAt = dbh.MakeIntTime(time.Now())
	return a.DB.Create(alert).Error
}

// List returns alerts matching the filter, newest first.
// Image blobs are not loaded; use GetImage for those.
func (a *AlertDB) List(filter Filter) ([]Alert, error) {
	if filter.Status != "" && !IsValidStatusFilter(filter.Status) {
		return nil, fmt.Errorf("%w: invalid status filter '%v'", ErrInvalidInput, filter.Status)
	}
	q := a.DB.Select("id", "message", "created_at", "seen", "user_id", "camera_id",
		"length(image) <> 0 AS has_image")
	switch filter.Status {
	case StatusUnseen:
		q = q.Where("seen = 0")
	case StatusSeen:
		q = q.Where("seen = 1")
	}
	if filter.CameraID != 0 {
		q = q.Where("camera_id = ?", filter.CameraID)
	}
	if filter.UserID != 0 {
		q = q.Where("user_id = ?", filter.UserID)
	}
	alerts := []Alert{}
	if err := q.Order("created_at DESC, id DESC").Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

// GetFromID returns one alert's metadata, without loading the image blob.
func (a *AlertDB) GetFromID(id int64) (*Alert, error) {
	alert := Alert{}
	if err := a.DB.Select("id", "message", "created_at", "seen", "user_id", "camera_id",
		"length(image) <> 0 AS has_image").First(&alert, id).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

// MarkSeen flips the seen flag to true. Marking an already-seen alert is a
// no-op success. A missing alert returns gorm.ErrRecordNotFound.
func (a *AlertDB) MarkSeen(id int64) error {
	res := a.DB.Model(&Alert{}).Where("id = ?", id).Update("seen", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Either absent, or present and already seen. Disambiguate.
		var count int64
		if err := a.DB.Model(&Alert{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
	}
	return nil
}

// GetImage returns the stored image bytes and content type for an alert.
// Missing alert or missing image both return gorm.ErrRecordNotFound.
func (a *AlertDB) GetImage(id int64) ([]byte, string, error) {
	alert := Alert{}
	if err := a.DB.Select("id", "image", "image_content_type").First(&alert, id).Error; err != nil {
		return nil, "", err
	}
	if len(alert.Image) == 0 {
		return nil, "", gorm.ErrRecordNotFound
	}
	return alert.Image, alert.ImageContentType, nil
}
