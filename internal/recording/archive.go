// Package recording implements the LIDRARCH archive format and the
// recorder service that captures node output frames to disk with batched
// asynchronous writes and finalize-after-stop semantics.
package recording

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/huykuka/lidargraph/internal/pointcloud"
)

// Archive layout (single seekable file, little-endian):
//
//	[Header, 72 bytes]
//	  magic        8  = "LIDRARCH"
//	  version      u32 = 1
//	  frame_count  u32   (filled on finalize)
//	  metadata_off u64   (filled on finalize)
//	  index_off    u64   (filled on finalize)
//	  first_frame  u64 = 72
//	  start_ts     f64   (filled on first frame)
//	  end_ts       f64   (filled on last frame)
//	  reserved     16 bytes
//	[Frames]   contiguous LIDR frames, one per write
//	[Index]    frame_count x 16 bytes: offset u64, size u32, reserved u32
//	[Metadata] UTF-8 JSON blob to EOF
const (
	ArchiveMagic   = "LIDRARCH"
	ArchiveVersion = 1
	headerSize     = 72
	indexEntrySize = 16
)

var (
	// ErrInvalidArchive reports a file that is not a finalized LIDRARCH v1
	// archive. Files from crashed recordings fall under this error.
	ErrInvalidArchive = errors.New("recording: invalid archive")
	// ErrOutOfRange reports a frame index outside [0, frame_count).
	ErrOutOfRange = errors.New("recording: frame index out of range")
	// ErrWriterClosed reports a write after finalize.
	ErrWriterClosed = errors.New("recording: writer is finalized")
)

// IsOutOfRange reports whether err wraps ErrOutOfRange.
func IsOutOfRange(err error) bool {
	return errors.Is(err, ErrOutOfRange)
}

// BufferedFrame is one pending (points, timestamp) pair.
type BufferedFrame struct {
	Points    *pointcloud.Cloud
	Timestamp float64
}

// Summary is the result of finalizing a writer.
type Summary struct {
	FilePath        string  `json:"file_path"`
	FileSizeBytes   int64   `json:"file_size_bytes"`
	FrameCount      int     `json:"frame_count"`
	DurationSeconds float64 `json:"duration_seconds"`
	AverageFPS      float64 `json:"average_fps"`
	StartTimestamp  float64 `json:"start_timestamp"`
	EndTimestamp    float64 `json:"end_timestamp"`
}

type indexEntry struct {
	offset uint64
	size   uint32
}

// Writer creates a LIDRARCH archive. The writer owns exclusive access to
// its file until Finalize.
type Writer struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	metadata  map[string]any
	index     []indexEntry
	count     int
	startTS   float64
	endTS     float64
	haveStart bool
	summary   *Summary
}

// NewWriter creates parent directories, opens the file and writes the
// placeholder header.
func NewWriter(path string, metadata map[string]any) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("could not create recording directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("could not create recording file: %w", err)
	}
	w := &Writer{file: f, path: path, metadata: metadata}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	var buf [headerSize]byte
	copy(buf[0:8], ArchiveMagic)
	binary.LittleEndian.PutUint32(buf[8:12], ArchiveVersion)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(w.count))
	// metadata_off and index_off stay zero until finalize.
	binary.LittleEndian.PutUint64(buf[32:40], headerSize)
	binary.LittleEndian.PutUint64(buf[40:48], math.Float64bits(w.startTS))
	binary.LittleEndian.PutUint64(buf[48:56], math.Float64bits(w.endTS))
	_, err := w.file.WriteAt(buf[:], 0)
	return err
}

// WriteFrame appends one LIDR frame and records it in the in-memory index.
func (w *Writer) WriteFrame(points *pointcloud.Cloud, timestamp float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeFrameLocked(points, timestamp)
}

// WriteBatch appends frames atomically with respect to other batches.
func (w *Writer) WriteBatch(frames []BufferedFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range frames {
		if err := w.writeFrameLocked(f.Points, f.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeFrameLocked(points *pointcloud.Cloud, timestamp float64) error {
	if w.file == nil {
		return ErrWriterClosed
	}
	if !w.haveStart {
		w.startTS = timestamp
		w.haveStart = true
	}
	w.endTS = timestamp

	frame := pointcloud.Pack(points, timestamp)
	offset, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(frame); err != nil {
		return err
	}
	w.index = append(w.index, indexEntry{offset: uint64(offset), size: uint32(len(frame))})
	w.count++
	return nil
}

// Finalize appends the packed index and the metadata JSON, rewrites the
// header with the final counts and offsets, and closes the file. A second
// call is a no-op returning the first call's summary.
func (w *Writer) Finalize() (Summary, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.summary != nil {
		return *w.summary, nil
	}
	if w.file == nil {
		return Summary{}, ErrWriterClosed
	}

	indexOff, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return Summary{}, err
	}
	indexBuf := make([]byte, len(w.index)*indexEntrySize)
	for i, e := range w.index {
		binary.LittleEndian.PutUint64(indexBuf[i*indexEntrySize:], e.offset)
		binary.LittleEndian.PutUint32(indexBuf[i*indexEntrySize+8:], e.size)
	}
	if _, err := w.file.Write(indexBuf); err != nil {
		return Summary{}, err
	}

	metadataOff, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return Summary{}, err
	}
	metadataJSON, err := json.Marshal(w.metadata)
	if err != nil {
		return Summary{}, fmt.Errorf("could not encode metadata: %w", err)
	}
	if _, err := w.file.Write(metadataJSON); err != nil {
		return Summary{}, err
	}

	var header [headerSize]byte
	copy(header[0:8], ArchiveMagic)
	binary.LittleEndian.PutUint32(header[8:12], ArchiveVersion)
	binary.LittleEndian.PutUint32(header[12:16], uint32(w.count))
	binary.LittleEndian.PutUint64(header[16:24], uint64(metadataOff))
	binary.LittleEndian.PutUint64(header[24:32], uint64(indexOff))
	binary.LittleEndian.PutUint64(header[32:40], headerSize)
	binary.LittleEndian.PutUint64(header[40:48], math.Float64bits(w.startTS))
	binary.LittleEndian.PutUint64(header[48:56], math.Float64bits(w.endTS))
	if _, err := w.file.WriteAt(header[:], 0); err != nil {
		return Summary{}, err
	}

	fileSize, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return Summary{}, err
	}
	if err := w.file.Close(); err != nil {
		return Summary{}, err
	}
	w.file = nil

	duration := w.endTS - w.startTS
	avgFPS := 0.0
	if duration > 0 {
		avgFPS = float64(w.count) / duration
	}
	w.summary = &Summary{
		FilePath:        w.path,
		FileSizeBytes:   fileSize,
		FrameCount:      w.count,
		DurationSeconds: duration,
		AverageFPS:      avgFPS,
		StartTimestamp:  w.startTS,
		EndTimestamp:    w.endTS,
	}
	return *w.summary, nil
}

// FrameCount returns the number of frames written so far.
func (w *Writer) FrameCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Reader serves random access over a finalized archive. The frame index is
// loaded fully into memory on open (frame_count x 16 bytes).
type Reader struct {
	path       string
	file       *os.File
	FrameCount int
	StartTS    float64
	EndTS      float64
	Duration   float64
	Metadata   map[string]any
	index      []indexEntry
}

// OpenReader validates the header and loads the index and metadata.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: file shorter than header", ErrInvalidArchive)
	}
	if string(header[0:8]) != ArchiveMagic {
		f.Close()
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalidArchive, header[0:8])
	}
	if v := binary.LittleEndian.Uint32(header[8:12]); v != ArchiveVersion {
		f.Close()
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidArchive, v)
	}

	r := &Reader{
		path:       path,
		file:       f,
		FrameCount: int(binary.LittleEndian.Uint32(header[12:16])),
		StartTS:    math.Float64frombits(binary.LittleEndian.Uint64(header[40:48])),
		EndTS:      math.Float64frombits(binary.LittleEndian.Uint64(header[48:56])),
	}
	r.Duration = r.EndTS - r.StartTS
	metadataOff := binary.LittleEndian.Uint64(header[16:24])
	indexOff := binary.LittleEndian.Uint64(header[24:32])

	// A finalized archive always carries index and metadata offsets; zero
	// offsets mean the recording crashed before finalize.
	if metadataOff == 0 || indexOff == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: unfinalized recording", ErrInvalidArchive)
	}

	indexBuf := make([]byte, r.FrameCount*indexEntrySize)
	if _, err := f.ReadAt(indexBuf, int64(indexOff)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: could not read index: %v", ErrInvalidArchive, err)
	}
	r.index = make([]indexEntry, r.FrameCount)
	for i := range r.index {
		r.index[i].offset = binary.LittleEndian.Uint64(indexBuf[i*indexEntrySize:])
		r.index[i].size = binary.LittleEndian.Uint32(indexBuf[i*indexEntrySize+8:])
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	metadataBuf := make([]byte, stat.Size()-int64(metadataOff))
	if _, err := f.ReadAt(metadataBuf, int64(metadataOff)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: could not read metadata: %v", ErrInvalidArchive, err)
	}
	if err := json.Unmarshal(metadataBuf, &r.Metadata); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: bad metadata JSON: %v", ErrInvalidArchive, err)
	}

	return r, nil
}

// Frame returns frame i by O(1) seek + read + codec.
func (r *Reader) Frame(i int) (*pointcloud.Cloud, float64, error) {
	if i < 0 || i >= r.FrameCount {
		return nil, 0, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, i, r.FrameCount)
	}
	e := r.index[i]
	buf := make([]byte, e.size)
	if _, err := r.file.ReadAt(buf, int64(e.offset)); err != nil {
		return nil, 0, err
	}
	return pointcloud.Unpack(buf)
}

// IterFrames invokes fn for every frame in the half-open range
// [start, end). A nil error from every fn completes the iteration.
func (r *Reader) IterFrames(start, end int, fn func(points *pointcloud.Cloud, timestamp float64) error) error {
	if end > r.FrameCount {
		end = r.FrameCount
	}
	if start < 0 {
		start = 0
	}
	for i := start; i < end; i++ {
		points, ts, err := r.Frame(i)
		if err != nil {
			return err
		}
		if err := fn(points, ts); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
