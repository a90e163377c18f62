package recording

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/pointcloud"
)

// Recording statuses visible to the API. Stop is two-phase: the caller
// immediately observes "stopping" while a background finalizer drains the
// buffer, writes the index and metadata, generates the thumbnail and flips
// the persisted row to "stopped".
const (
	StatusRecording = "recording"
	StatusStopping  = "stopping"
	StatusStopped   = "stopped"
)

// Buffered frames are flushed when the buffer reaches batchSize or the last
// flush is older than flushInterval, whichever comes first.
const (
	batchSize     = 10
	flushInterval = time.Second
)

// Handle tracks one active recording session.
type Handle struct {
	ID        string
	NodeID    string
	Name      string
	writer    *Writer
	metadata  map[string]any
	startedAt time.Time
	status    string

	buffer     []BufferedFrame
	lastFlush  time.Time
	frameCount int
	pending    sync.WaitGroup
}

// Info is the API-facing snapshot of a recording session.
type Info struct {
	RecordingID     string         `json:"recording_id"`
	NodeID          string         `json:"node_id"`
	Name            string         `json:"name"`
	FilePath        string         `json:"file_path"`
	FrameCount      int            `json:"frame_count"`
	DurationSeconds float64        `json:"duration_seconds"`
	StartedAt       string         `json:"started_at"`
	Metadata        map[string]any `json:"metadata"`
	Status          string         `json:"status"`
}

func (h *Handle) info() Info {
	return Info{
		RecordingID:     h.ID,
		NodeID:          h.NodeID,
		Name:            h.Name,
		FilePath:        h.writer.path,
		FrameCount:      h.frameCount,
		DurationSeconds: time.Since(h.startedAt).Seconds(),
		StartedAt:       h.startedAt.UTC().Format(time.RFC3339),
		Metadata:        h.metadata,
		Status:          h.status,
	}
}

// Service manages active recordings. Multiple concurrent recordings on the
// same source node are allowed deliberately; each gets its own file and
// handle. A single mutex serializes admission and status flips.
type Service struct {
	dir   string
	store *db.DB
	log   zerolog.Logger

	mu     sync.Mutex
	active map[string]*Handle
	wg     sync.WaitGroup
}

// NewService creates the recorder rooted at dir.
func NewService(log zerolog.Logger, store *db.DB, dir string) *Service {
	return &Service{
		dir:    dir,
		store:  store,
		log:    log.With().Str("component", "recorder").Logger(),
		active: make(map[string]*Handle),
	}
}

// Start opens a new recording on a node's output. The file is created and
// its placeholder header written immediately.
func (s *Service) Start(nodeID, name string, metadata map[string]any) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordingID := uuid.NewString()
	filename := fmt.Sprintf("capture_%s_%s.lidr", time.Now().UTC().Format("20060102_150405"), recordingID[:8])
	path := filepath.Join(s.dir, filename)

	if metadata == nil {
		metadata = map[string]any{}
	}
	if name == "" {
		name = nodeID
	}
	metadata["node_id"] = nodeID
	metadata["name"] = name
	metadata["recording_timestamp"] = time.Now().UTC().Format(time.RFC3339)

	writer, err := NewWriter(path, metadata)
	if err != nil {
		return Info{}, err
	}

	h := &Handle{
		ID:        recordingID,
		NodeID:    nodeID,
		Name:      name,
		writer:    writer,
		metadata:  metadata,
		startedAt: time.Now(),
		status:    StatusRecording,
		lastFlush: time.Now(),
	}
	s.active[recordingID] = h

	s.log.Info().Str("recording", recordingID).Str("node", nodeID).Str("path", path).Msg("started recording")
	return h.info(), nil
}

// Stop flips a recording to stopping and returns its snapshot immediately.
// The finalize runs on a background goroutine.
func (s *Service) Stop(recordingID string) (Info, error) {
	s.mu.Lock()
	h, ok := s.active[recordingID]
	if !ok {
		s.mu.Unlock()
		return Info{}, fmt.Errorf("recording %s: %w", recordingID, db.ErrNotFound)
	}
	h.status = StatusStopping
	info := h.info()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Finalize(recordingID); err != nil {
			s.log.Error().Err(err).Str("recording", recordingID).Msg("finalize failed")
		}
	}()

	return info, nil
}

// Finalize drains the remaining buffer, finalizes the archive, generates
// the thumbnail and persists the recording row with status stopped.
func (s *Service) Finalize(recordingID string) (db.Recording, error) {
	s.mu.Lock()
	h, ok := s.active[recordingID]
	if !ok {
		s.mu.Unlock()
		return db.Recording{}, fmt.Errorf("recording %s: %w", recordingID, db.ErrNotFound)
	}
	delete(s.active, recordingID)
	remainder := h.buffer
	h.buffer = nil
	s.mu.Unlock()

	// Let batches already handed to background flushes land first.
	h.pending.Wait()

	if len(remainder) > 0 {
		if err := h.writer.WriteBatch(remainder); err != nil {
			s.log.Error().Err(err).Str("recording", recordingID).Msg("could not flush remaining frames")
		}
	}

	summary, err := h.writer.Finalize()
	if err != nil {
		return db.Recording{}, fmt.Errorf("could not finalize recording %s: %w", recordingID, err)
	}
	s.log.Info().Str("recording", recordingID).Int("frames", summary.FrameCount).
		Float64("duration", summary.DurationSeconds).Msg("finalized recording")

	thumbnailPath := ""
	thumbOut := summary.FilePath[:len(summary.FilePath)-len(filepath.Ext(summary.FilePath))] + ".png"
	if ok, err := GenerateThumbnailFromFile(summary.FilePath, -1, thumbOut, ViewTop); err != nil {
		s.log.Warn().Err(err).Str("recording", recordingID).Msg("thumbnail generation failed")
	} else if ok {
		thumbnailPath = thumbOut
	}

	row := db.Recording{
		ID:                 recordingID,
		Name:               h.Name,
		NodeID:             h.NodeID,
		FilePath:           summary.FilePath,
		FileSizeBytes:      summary.FileSizeBytes,
		FrameCount:         summary.FrameCount,
		DurationSeconds:    summary.DurationSeconds,
		RecordingTimestamp: h.startedAt.UTC().Format(time.RFC3339),
		Metadata:           h.metadata,
		ThumbnailPath:      thumbnailPath,
	}
	if s.store != nil {
		if err := s.store.InsertRecording(row); err != nil {
			return db.Recording{}, fmt.Errorf("could not persist recording %s: %w", recordingID, err)
		}
	}
	return row, nil
}

// RecordPayload buffers a full-precision frame for every active recording
// on nodeID. Frames arriving while a recording is stopping are silently
// dropped. Flushes are handed to a background goroutine; the writer's own
// mutex serializes batches per recording.
func (s *Service) RecordPayload(nodeID string, points *pointcloud.Cloud, timestamp float64) {
	s.mu.Lock()
	var flushes []func()
	for _, h := range s.active {
		if h.NodeID != nodeID || h.status != StatusRecording {
			continue
		}
		h.buffer = append(h.buffer, BufferedFrame{Points: points, Timestamp: timestamp})
		h.frameCount++

		if len(h.buffer) >= batchSize || time.Since(h.lastFlush) >= flushInterval {
			batch := h.buffer
			h.buffer = nil
			h.lastFlush = time.Now()
			writer := h.writer
			id := h.ID
			pending := &h.pending
			pending.Add(1)
			flushes = append(flushes, func() {
				defer pending.Done()
				if err := writer.WriteBatch(batch); err != nil {
					s.log.Error().Err(err).Str("recording", id).Msg("batch write failed")
				}
			})
		}
	}
	s.mu.Unlock()

	for _, flush := range flushes {
		s.wg.Add(1)
		go func(f func()) {
			defer s.wg.Done()
			f()
		}(flush)
	}
}

// IsRecording reports whether any active recording targets nodeID.
func (s *Service) IsRecording(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.active {
		if h.NodeID == nodeID {
			return true
		}
	}
	return false
}

// Active returns snapshots of every active recording.
func (s *Service) Active() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.active))
	for _, h := range s.active {
		out = append(out, h.info())
	}
	return out
}

// Get returns the snapshot of one active recording.
func (s *Service) Get(recordingID string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.active[recordingID]
	if !ok {
		return Info{}, false
	}
	return h.info(), true
}

// StopAll stops every active recording and waits for the finalizers.
func (s *Service) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.Stop(id); err != nil {
			s.log.Error().Err(err).Str("recording", id).Msg("stop failed")
		}
	}
	s.wg.Wait()
}
