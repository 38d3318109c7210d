package configdb

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/dbh"
	"gorm.io/gorm"
)

// ErrInvalidInput is wrapped by all validation failures, so that the HTTP
// layer can map them onto a 400 response.
var ErrInvalidInput = errors.New("invalid input")

func (c *ConfigDB) GetUserFromID(id int64) (*User, error) {
	user := User{}
	if err := c.DB.First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *ConfigDB) GetCameraFromID(id int64) (*Camera, error) {
	camera := Camera{}
	if err := c.DB.First(&camera, id).Error; err != nil {
		return nil, err
	}
	return &camera, nil
}

// ListCameras returns all cameras, or only the cameras belonging to ownerID
// if ownerID is not zero.
func (c *ConfigDB) ListCameras(ownerID int64) ([]Camera, error) {
	cameras := []Camera{}
	q := c.DB
	if ownerID != 0 {
		q = q.Where("user_id = ?", ownerID)
	}
	if err := q.Find(&cameras).Error; err != nil {
		return nil, err
	}
	return cameras, nil
}

// CreateCamera validates and persists a new camera record.
// The caller is responsible for starting detection afterwards.
func (c *ConfigDB) CreateCamera(cam *Camera) error {
	if err := validateCamera(cam); err != nil {
		return err
	}
	if cam.Status == "" {
		cam.Status = CameraStatusOffline
	}
	now := dbh.MakeIntTime(time.Now())
	cam.CreatedAt = now
	cam.UpdatedAt = now
	return c.DB.Create(cam).Error
}

// UpdateCamera applies the mutable fields of 'mod' to the camera 'id', and
// returns the stored record as it was before the update, so that the caller
// can decide whether the detection worker needs a restart.
func (c *ConfigDB) UpdateCamera(id int64, mod *Camera) (before *Camera, err error) {
	existing, err := c.GetCameraFromID(id)
	if err != nil {
		return nil, err
	}
	if err := validateCamera(mod); err != nil {
		return nil, err
	}
	prev := *existing
	existing.Name = mod.Name
	existing.Source = mod.Source
	existing.Features = mod.Features
	existing.ZonePoints = mod.ZonePoints
	if mod.Status != "" {
		existing.Status = mod.Status
	}
	existing.UpdatedAt = dbh.MakeIntTime(time.Now())
	if err := c.DB.Save(existing).Error; err != nil {
		return nil, err
	}
	*mod = *existing
	return &prev, nil
}

// SetCameraStatus records the supervisor-reported state of a camera.
// A missing camera is not an error (it may have been deleted concurrently).
func (c *ConfigDB) SetCameraStatus(id int64, status string) {
	now := dbh.MakeIntTime(time.Now())
	err := c.DB.Model(&Camera{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": now}).Error
	if err != nil {
		c.Log.Errorf("Failed to set camera %v status to %v: %v", id, status, err)
	}
}

// DeleteCamera removes the record. The caller must stop the camera's
// detection worker and close its viewer sessions before calling this.
func (c *ConfigDB) DeleteCamera(id int64) error {
	res := c.DB.Delete(&Camera{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func validateCamera(cam *Camera) error {
	if cam.Name == "" {
		return fmt.Errorf("%w: camera name may not be empty", ErrInvalidInput)
	}
	if cam.Source == "" {
		return fmt.Errorf("%w: camera source may not be empty", ErrInvalidInput)
	}
	if cam.Status != "" && !IsValidCameraStatus(cam.Status) {
		return fmt.Errorf("%w: invalid camera status '%v'", ErrInvalidInput, cam.Status)
	}
	for _, f := range cam.FeatureList() {
		if !IsValidFeature(f) {
			return fmt.Errorf("%w: unknown feature '%v'", ErrInvalidInput, f)
		}
	}
	return nil
}
