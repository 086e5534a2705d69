// Package assets manages the files behind library tracks: uploads, archive
// extraction, mp3 transcoding and downloads.
package assets

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"nendo-server/internal/config"
	"nendo-server/internal/domain"
	"nendo-server/internal/logging"
	"nendo-server/internal/postgres"
)

var audioExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".flac": true, ".ogg": true,
	".aiff": true, ".aif": true, ".m4a": true,
}

// StorageInfo summarizes a user's disk usage.
type StorageInfo struct {
	SpaceUsed      int64 `json:"space_used"`
	SpaceAvailable int64 `json:"space_available"`
}

type Service struct {
	cfg config.LibraryConfig
	lib *postgres.Library
}

func NewService(cfg config.LibraryConfig, lib *postgres.Library) *Service {
	return &Service{cfg: cfg, lib: lib}
}

// UserDir returns the user's storage directory under the library path.
func (s *Service) UserDir(userID uuid.UUID) string {
	return filepath.Join(s.cfg.Path, userID.String())
}

// InitUserStorage creates the user's storage directory. Called on register
// and again defensively before uploads.
func (s *Service) InitUserStorage(userID uuid.UUID) error {
	return os.MkdirAll(s.UserDir(userID), 0o755)
}

// Info reports used and remaining storage. A negative configured size means
// unlimited and is reported as -1 available.
func (s *Service) Info(userID uuid.UUID) (StorageInfo, error) {
	used, err := dirSize(s.UserDir(userID))
	if err != nil {
		return StorageInfo{}, err
	}
	info := StorageInfo{SpaceUsed: used, SpaceAvailable: -1}
	if s.cfg.UserStorageSize > 0 {
		info.SpaceAvailable = s.cfg.UserStorageSize - used
		if info.SpaceAvailable < 0 {
			info.SpaceAvailable = 0
		}
	}
	return info, nil
}

func (s *Service) checkStorageLimit(userID uuid.UUID, incoming int64) error {
	if s.cfg.UserStorageSize <= 0 {
		return nil
	}
	used, err := dirSize(s.UserDir(userID))
	if err != nil {
		return err
	}
	if used+incoming > s.cfg.UserStorageSize {
		return domain.ErrStorageLimitReached
	}
	return nil
}

// AddUpload stores an uploaded file and creates library tracks for it.
// Audio files produce one track, archives are extracted and every audio
// entry becomes its own track. Anything else is rejected.
func (s *Service) AddUpload(ctx context.Context, userID uuid.UUID, filename string, r io.Reader, size int64) ([]*domain.Track, error) {
	if err := s.InitUserStorage(userID); err != nil {
		return nil, err
	}
	if err := s.checkStorageLimit(userID, size); err != nil {
		return nil, err
	}

	lower := strings.ToLower(filename)
	switch {
	case audioExtensions[filepath.Ext(lower)]:
		track, err := s.addAudio(ctx, userID, filename, r)
		if err != nil {
			return nil, err
		}
		return []*domain.Track{track}, nil
	case strings.HasSuffix(lower, ".zip"):
		return s.addZip(ctx, userID, r, size)
	case strings.HasSuffix(lower, ".tar"), strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return s.addTar(ctx, userID, r, strings.HasSuffix(lower, ".gz") || strings.HasSuffix(lower, ".tgz"))
	default:
		return nil, domain.ErrUnsupportedFileType
	}
}

// addAudio writes the stream into the user directory, transcodes non-mp3
// input to mp3 and creates the track row.
func (s *Service) addAudio(ctx context.Context, userID uuid.UUID, originalName string, r io.Reader) (*domain.Track, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	resourceID := uuid.New()

	rawPath := filepath.Join(s.UserDir(userID), resourceID.String()+ext)
	if err := writeFile(rawPath, r); err != nil {
		return nil, err
	}

	finalPath := rawPath
	if ext != ".mp3" {
		finalPath = filepath.Join(s.UserDir(userID), resourceID.String()+".mp3")
		if err := transcodeMP3(ctx, rawPath, finalPath); err != nil {
			os.Remove(rawPath)
			return nil, err
		}
		os.Remove(rawPath)
	}

	track, err := s.lib.CreateTrack(ctx, &domain.Track{
		UserID:     userID,
		TrackType:  "track",
		Visibility: domain.VisibilityPrivate,
		Resource: domain.Resource{
			ID:           resourceID,
			FilePath:     filepath.Dir(finalPath),
			FileName:     filepath.Base(finalPath),
			ResourceType: "audio",
			Location:     "local",
			Meta:         domain.ResourceMeta{OriginalFilename: filepath.Base(originalName)},
		},
		Meta: map[string]interface{}{
			"title":             strings.TrimSuffix(filepath.Base(originalName), filepath.Ext(originalName)),
			"original_filename": filepath.Base(originalName),
		},
	})
	if err != nil {
		os.Remove(finalPath)
		return nil, err
	}
	logging.Info("track uploaded", "track_id", track.ID, "user_id", userID, "file", originalName)
	return track, nil
}

func (s *Service) addZip(ctx context.Context, userID uuid.UUID, r io.Reader, size int64) ([]*domain.Track, error) {
	// zip needs random access, spool the upload to a temp file first.
	tmp, err := os.CreateTemp("", "upload-*.zip")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := io.Copy(tmp, r); err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return nil, fmt.Errorf("read zip: %w", err)
	}

	var tracks []*domain.Track
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !audioExtensions[strings.ToLower(filepath.Ext(f.Name))] {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return tracks, err
		}
		track, err := s.addAudio(ctx, userID, filepath.Base(f.Name), rc)
		rc.Close()
		if err != nil {
			return tracks, err
		}
		tracks = append(tracks, track)
	}
	if len(tracks) == 0 {
		return nil, domain.ErrUnsupportedFileType
	}
	return tracks, nil
}

func (s *Service) addTar(ctx context.Context, userID uuid.UUID, r io.Reader, gzipped bool) ([]*domain.Track, error) {
	if gzipped {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("read tar.gz: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	var tracks []*domain.Track
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return tracks, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !audioExtensions[strings.ToLower(filepath.Ext(hdr.Name))] {
			continue
		}
		track, err := s.addAudio(ctx, userID, filepath.Base(hdr.Name), tr)
		if err != nil {
			return tracks, err
		}
		tracks = append(tracks, track)
	}
	if len(tracks) == 0 {
		return nil, domain.ErrUnsupportedFileType
	}
	return tracks, nil
}

// TrackFile resolves the local file behind a track's audio resource.
func (s *Service) TrackFile(ctx context.Context, userID, trackID uuid.UUID) (string, *domain.Track, error) {
	track, err := s.lib.GetTrack(ctx, trackID, userID)
	if err != nil {
		return "", nil, err
	}
	path := filepath.Join(track.Resource.FilePath, track.Resource.FileName)
	if _, err := os.Stat(path); err != nil {
		return "", nil, domain.ErrNotFound
	}
	return path, track, nil
}

// WriteCollectionZip streams the audio files of a collection as one zip
// archive. Entry names favor the track title over the stored filename.
func (s *Service) WriteCollectionZip(ctx context.Context, userID, collectionID uuid.UUID, w io.Writer) error {
	if _, err := s.lib.GetCollection(ctx, collectionID, userID); err != nil {
		return err
	}
	tracks, _, err := s.lib.GetTracks(ctx, postgres.TrackQuery{
		UserID:       userID,
		CollectionID: &collectionID,
	})
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	for i, track := range tracks {
		path := filepath.Join(track.Resource.FilePath, track.Resource.FileName)
		f, err := os.Open(path)
		if err != nil {
			logging.Warn("skipping missing collection file", "track_id", track.ID, "path", path)
			continue
		}
		entry, err := zw.Create(zipEntryName(track, i))
		if err == nil {
			_, err = io.Copy(entry, f)
		}
		f.Close()
		if err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

// WriteTracksZip streams a hand-picked set of the user's tracks as one zip
// archive. Tracks the user does not own are skipped.
func (s *Service) WriteTracksZip(ctx context.Context, userID uuid.UUID, trackIDs []uuid.UUID, w io.Writer) error {
	zw := zip.NewWriter(w)
	for i, id := range trackIDs {
		track, err := s.lib.GetTrack(ctx, id, userID)
		if err != nil {
			logging.Warn("skipping unavailable track", "track_id", id, "error", err)
			continue
		}
		path := filepath.Join(track.Resource.FilePath, track.Resource.FileName)
		f, err := os.Open(path)
		if err != nil {
			logging.Warn("skipping missing track file", "track_id", track.ID, "path", path)
			continue
		}
		entry, err := zw.Create(zipEntryName(track, i))
		if err == nil {
			_, err = io.Copy(entry, f)
		}
		f.Close()
		if err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func zipEntryName(track *domain.Track, index int) string {
	name := track.Resource.FileName
	if title, ok := track.Meta["title"].(string); ok && title != "" {
		name = title + filepath.Ext(track.Resource.FileName)
	}
	return fmt.Sprintf("%03d_%s", index+1, name)
}

func writeFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// transcodeMP3 shells out to ffmpeg, which every deployment image ships.
func transcodeMP3(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-i", src,
		"-codec:a", "libmp3lame", "-qscale:a", "2", dst)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg transcode: %w: %s", err, lastOutputLine(out))
	}
	return nil
}

func lastOutputLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return lines[len(lines)-1]
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}
