package library

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	filePrefix = "recording_"
	// HostStreamID is the stream id of the host's audio track.
	HostStreamID = "host_audio"
)

// FileName is the name of the file a stream of a session is recorded into.
func FileName(sessionID int64, streamID, container string) string {
	return fmt.Sprintf("%s%d_%s.%s", filePrefix, sessionID, streamID, container)
}

// ParseFileName splits a recording file name into its session and stream ids.
func ParseFileName(name string) (sessionID int64, streamID string, ok bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == name || !strings.HasPrefix(base, filePrefix) {
		return 0, "", false
	}

	sessionPart, streamID, found := strings.Cut(strings.TrimPrefix(base, filePrefix), "_")
	if !found || streamID == "" {
		return 0, "", false
	}

	sessionID, err := strconv.ParseInt(sessionPart, 10, 64)
	if err != nil || sessionID <= 0 {
		return 0, "", false
	}
	return sessionID, streamID, true
}

type Track struct {
	StreamID   string    `json:"stream_id"`
	File       string    `json:"file"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Session groups the tracks recorded under one session id.
type Session struct {
	ID        int64     `json:"id"`
	StartedAt time.Time `json:"started_at"`
	HostAudio *Track    `json:"host_audio,omitempty"`
	Cameras   []Track   `json:"cameras"`
}

// Library reads the recordings directory.
type Library struct {
	dir string
}

func New(dir string) *Library {
	return &Library{dir: dir}
}

func (l *Library) Dir() string {
	return l.dir
}

// EnsureDir creates the recordings directory when it does not exist.
func (l *Library) EnsureDir() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create recordings directory %s", l.dir)
	}
	return nil
}

// Sessions lists every recorded session, newest first. Camera tracks are
// sorted by stream id.
func (l *Library) Sessions() ([]Session, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Session{}, nil
		}
		return nil, errors.Wrap(err, "failed to read recordings directory")
	}

	byID := make(map[int64]*Session)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sessionID, streamID, ok := ParseFileName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		s, exists := byID[sessionID]
		if !exists {
			s = &Session{ID: sessionID, StartedAt: time.UnixMilli(sessionID).UTC(), Cameras: []Track{}}
			byID[sessionID] = s
		}

		track := Track{
			StreamID:   streamID,
			File:       entry.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		}
		if streamID == HostStreamID {
			s.HostAudio = &track
		} else {
			s.Cameras = append(s.Cameras, track)
		}
	}

	sessions := make([]Session, 0, len(byID))
	for _, s := range byID {
		sort.Slice(s.Cameras, func(i, j int) bool { return s.Cameras[i].StreamID < s.Cameras[j].StreamID })
		sessions = append(sessions, *s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID > sessions[j].ID })

	return sessions, nil
}

// Latest returns the most recent session. ok is false when nothing was recorded yet.
func (l *Library) Latest() (Session, bool, error) {
	sessions, err := l.Sessions()
	if err != nil || len(sessions) == 0 {
		return Session{}, false, err
	}
	return sessions[0], true, nil
}
