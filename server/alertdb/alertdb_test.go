package alertdb

import (
	"errors"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func createTestDB(t *testing.T) *AlertDB {
	db, err := Open(logs.NewTestingLog(t), t.TempDir()+"/test-alerts.sqlite")
	require.NoError(t, err)
	return db
}

func TestAddAndList(t *testing.T) {
	db := createTestDB(t)

	withImage := &Alert{Message: "Person in protected zone for 12s", CameraID: 3, UserID: 7, Image: []byte{0xff, 0xd8, 0xff}}
	require.NoError(t, db.Add(withImage))
	require.NotZero(t, withImage.ID)
	require.False(t, withImage.CreatedAt.IsZero())
	require.Equal(t, "image/jpeg", withImage.ImageContentType)

	noImage := &Alert{Message: "Person detected during night hours", CameraID: 4, UserID: 7}
	require.NoError(t, db.Add(noImage))

	all, err := db.List(Filter{Status: StatusAll})
	require.NoError(t, err)
	require.Len(t, all, 2)

	cam3, err := db.List(Filter{Status: StatusAll, CameraID: 3})
	require.NoError(t, err)
	require.Len(t, cam3, 1)
	require.True(t, cam3[0].HasImage)
	require.Empty(t, cam3[0].Image) // blobs are not loaded by List

	cam4, err := db.List(Filter{CameraID: 4})
	require.NoError(t, err)
	require.Len(t, cam4, 1)
	require.False(t, cam4[0].HasImage)

	_, err = db.List(Filter{Status: "sometimes"})
	require.True(t, errors.Is(err, ErrInvalidInput))
}

func TestAddValidation(t *testing.T) {
	db := createTestDB(t)
	require.True(t, errors.Is(db.Add(&Alert{CameraID: 1, UserID: 1}), ErrInvalidInput))
	require.True(t, errors.Is(db.Add(&Alert{Message: "x", UserID: 1}), ErrInvalidInput))
	require.True(t, errors.Is(db.Add(&Alert{Message: "x", CameraID: 1}), ErrInvalidInput))
	empty, err := db.List(Filter{})
	require.NoError(t, err)
	require.Len(t, empty, 0)
}

func TestMarkSeenIdempotent(t *testing.T) {
	db := createTestDB(t)
	alert := &Alert{Message: "Person behind car for 30s", CameraID: 1, UserID: 1}
	require.NoError(t, db.Add(alert))

	require.NoError(t, db.MarkSeen(alert.ID))
	unseen, err := db.List(Filter{Status: StatusUnseen})
	require.NoError(t, err)
	require.Len(t, unseen, 0)
	seen, err := db.List(Filter{Status: StatusSeen})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	require.True(t, seen[0].Seen)

	// Second MarkSeen is a no-op success
	require.NoError(t, db.MarkSeen(alert.ID))

	// Missing alert is NotFound
	require.True(t, errors.Is(db.MarkSeen(9999), gorm.ErrRecordNotFound))
}

func TestGetImage(t *testing.T) {
	db := createTestDB(t)
	jpg := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00}
	withImage := &Alert{Message: "zone", CameraID: 1, UserID: 1, Image: jpg, ImageContentType: "image/jpeg"}
	noImage := &Alert{Message: "zone", CameraID: 1, UserID: 1}
	require.NoError(t, db.Add(withImage))
	require.NoError(t, db.Add(noImage))

	data, contentType, err := db.GetImage(withImage.ID)
	require.NoError(t, err)
	require.Equal(t, jpg, data)
	require.Equal(t, "image/jpeg", contentType)

	_, _, err = db.GetImage(noImage.ID)
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
	_, _, err = db.GetImage(12345)
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}
