package assets

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nendo-server/internal/config"
	"nendo-server/internal/domain"
)

func testService(t *testing.T, storageSize int64) (*Service, uuid.UUID) {
	t.Helper()
	cfg := config.LibraryConfig{Path: t.TempDir(), UserStorageSize: storageSize}
	return NewService(cfg, nil), uuid.New()
}

func TestUserDir(t *testing.T) {
	svc, userID := testService(t, -1)
	assert.Equal(t, filepath.Join(svc.cfg.Path, userID.String()), svc.UserDir(userID))
}

func TestInfoWithoutStorageDir(t *testing.T) {
	svc, userID := testService(t, -1)

	info, err := svc.Info(userID)
	require.NoError(t, err)
	assert.Zero(t, info.SpaceUsed)
	assert.EqualValues(t, -1, info.SpaceAvailable)
}

func TestInfoReportsUsage(t *testing.T) {
	svc, userID := testService(t, 100)
	require.NoError(t, svc.InitUserStorage(userID))
	require.NoError(t, os.WriteFile(filepath.Join(svc.UserDir(userID), "a.mp3"), make([]byte, 30), 0o644))

	info, err := svc.Info(userID)
	require.NoError(t, err)
	assert.EqualValues(t, 30, info.SpaceUsed)
	assert.EqualValues(t, 70, info.SpaceAvailable)
}

func TestInfoClampsOveruseToZero(t *testing.T) {
	svc, userID := testService(t, 10)
	require.NoError(t, svc.InitUserStorage(userID))
	require.NoError(t, os.WriteFile(filepath.Join(svc.UserDir(userID), "a.mp3"), make([]byte, 30), 0o644))

	info, err := svc.Info(userID)
	require.NoError(t, err)
	assert.Zero(t, info.SpaceAvailable)
}

func TestAddUploadRejectsUnknownType(t *testing.T) {
	svc, userID := testService(t, -1)

	_, err := svc.AddUpload(context.Background(), userID, "notes.txt", strings.NewReader("hi"), 2)
	assert.ErrorIs(t, err, domain.ErrUnsupportedFileType)
}

func TestAddUploadEnforcesStorageLimit(t *testing.T) {
	svc, userID := testService(t, 10)

	_, err := svc.AddUpload(context.Background(), userID, "big.mp3", strings.NewReader("x"), 1000)
	assert.ErrorIs(t, err, domain.ErrStorageLimitReached)
}

func TestZipEntryName(t *testing.T) {
	track := &domain.Track{
		Resource: domain.Resource{FileName: "abc123.mp3"},
		Meta:     map[string]interface{}{"title": "My Song"},
	}
	assert.Equal(t, "001_My Song.mp3", zipEntryName(track, 0))

	track.Meta = nil
	assert.Equal(t, "010_abc123.mp3", zipEntryName(track, 9))
}

func TestLastOutputLine(t *testing.T) {
	assert.Equal(t, "third", lastOutputLine([]byte("first\nsecond\nthird\n")))
	assert.Equal(t, "", lastOutputLine(nil))
}
