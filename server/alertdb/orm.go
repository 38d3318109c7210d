package alertdb

import (
	"github.com/cyclopcam/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Alert is one detection event reported by a worker.
// Message, CameraID and UserID are immutable after creation.
// Seen only ever transitions false -> true.
type Alert struct {
	BaseModel
	Message          string      `json:"message"`
	CreatedAt        dbh.IntTime `json:"createdAt"`
	Seen             bool        `json:"seen"`
	UserID           int64       `json:"userID"`
	CameraID         int64       `json:"cameraID"`
	Image            []byte      `json:"-" gorm:"default:null"` // Inline JPEG (or whatever the worker sent)
	ImageContentType string      `json:"-" gorm:"default:null"`

	// HasImage is computed by List so that clients know whether to fetch
	// /alerts/:id/image, without us shipping the blob in every listing.
	HasImage bool `json:"hasImage" gorm:"->"`
}
