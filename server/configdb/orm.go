package configdb

import (
	"strings"

	"github.com/cyclopcam/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

const (
	CameraStatusActive  = "active"  // The camera has a running detection worker
	CameraStatusOffline = "offline" // No worker is running (or the last start attempt failed)
)

// Detection features that a worker can be asked to run.
// These are the wire-level names that the worker understands.
const (
	FeatureProtectedZone = "1" // Alert when a person dwells inside the protected zone
	FeatureLoiter        = "2" // Alert when a person loiters behind a vehicle
	FeatureNight         = "3" // Alert on any person during the night window
)

// Point is a vertex of the protected zone polygon, in frame pixel coordinates.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// SYNC-RECORD-CAMERA
type Camera struct {
	BaseModel
	Name       string                   `json:"name"`   // Friendly name
	Source     string                   `json:"source"` // Video source URI (rtsp://, http://, or a local file)
	Status     string                   `json:"status"` // CameraStatusActive or CameraStatusOffline
	Features   *dbh.JSONField[[]string] `json:"features" gorm:"default:null"`
	ZonePoints *dbh.JSONField[[]Point]  `json:"zonePoints" gorm:"default:null"`
	UserID     int64                    `json:"userID"` // Owner
	CreatedAt  dbh.IntTime              `json:"createdAt"`
	UpdatedAt  dbh.IntTime              `json:"updatedAt"`
}

// FeatureList returns the enabled features, never nil.
func (c *Camera) FeatureList() []string {
	if c.Features == nil {
		return []string{}
	}
	return c.Data().Features
}

// Data is a convenience bundle of the JSON-blob fields, so callers don't
// need nil checks all over.
type CameraData struct {
	Features   []string
	ZonePoints []Point
}

func (c *Camera) Data() CameraData {
	d := CameraData{Features: []string{}, ZonePoints: []Point{}}
	if c.Features != nil {
		d.Features = c.Features.Data
	}
	if c.ZonePoints != nil {
		d.ZonePoints = c.ZonePoints.Data
	}
	return d
}

// EqualsDetectionConfig returns true if the two configs would produce an
// identical detection worker. If this returns false for a running camera,
// the worker must be restarted.
func (c *Camera) EqualsDetectionConfig(b *Camera) bool {
	if c.Source != b.Source {
		return false
	}
	ad, bd := c.Data(), b.Data()
	if strings.Join(ad.Features, ",") != strings.Join(bd.Features, ",") {
		return false
	}
	if len(ad.ZonePoints) != len(bd.ZonePoints) {
		return false
	}
	for i := range ad.ZonePoints {
		if ad.ZonePoints[i] != bd.ZonePoints[i] {
			return false
		}
	}
	return true
}

func IsValidFeature(f string) bool {
	return f == FeatureProtectedZone || f == FeatureLoiter || f == FeatureNight
}

func IsValidCameraStatus(s string) bool {
	return s == CameraStatusActive || s == CameraStatusOffline
}

// UserPermissions are single characters that are present in the user's Permissions field
type UserPermissions string

const (
	UserPermissionAdmin  UserPermissions = "a"
	UserPermissionViewer UserPermissions = "v"
)

// SYNC-RECORD-USER
type User struct {
	BaseModel
	Username           string `json:"username"`
	UsernameNormalized string `json:"username_normalized"`
	Permissions        string `json:"permissions"`
	Password           []byte `json:"-" gorm:"default:null"`
}

func (u *User) HasPermission(p UserPermissions) bool {
	if strings.Contains(u.Permissions, string(UserPermissionAdmin)) {
		return true
	}
	return strings.Contains(u.Permissions, string(p))
}

func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

type Session struct {
	CreatedAt dbh.IntTime
	Key       []byte
	UserID    int64
	ExpiresAt dbh.IntTime `gorm:"default:null"`
}
