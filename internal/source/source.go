// Package source produces a lazy, restartable sequence of log records from
// a set of monitored files. It survives rotation underneath it: once the
// old file identity is drained to EOF the reader switches to the successor
// without dropping or duplicating lines.
package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetops/logkeeper/internal/errkind"
	"github.com/fleetops/logkeeper/internal/logging"
	"github.com/fleetops/logkeeper/pkg/types"
)

var timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`)

const timestampLayout = "2006-01-02 15:04:05"

// Source tails log files and emits records over a channel.
type Source struct {
	paths        []string
	checkpoint   *Checkpoint
	logger       *logging.Logger
	watcher      *fsnotify.Watcher
	files        map[string]*tailedFile
	mu           sync.RWMutex
	recordCh     chan *types.LogRecord
	pollInterval time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

type tailedFile struct {
	path    string
	file    *os.File
	reader  *bufio.Reader
	offset  int64 // bytes consumed from the file, including a partial line
	emitted int64 // offset just past the last fully delivered record
	inode   uint64
	pending strings.Builder
	rotated atomic.Bool // boundary notice: drain to EOF, then switch
}

// New creates a Source over the given paths.
func New(paths []string, checkpoint *Checkpoint, logger *logging.Logger) (*Source, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Source{
		paths:        paths,
		checkpoint:   checkpoint,
		logger:       logger.WithComponent("source"),
		watcher:      watcher,
		files:        make(map[string]*tailedFile),
		recordCh:     make(chan *types.LogRecord, 1000),
		pollInterval: 100 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start opens all configured files and begins tailing. Unreadable files are
// skipped with a warning; the remaining files keep the source alive.
func (s *Source) Start() error {
	opened := 0
	for _, path := range s.paths {
		if err := s.openFile(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable file")
			continue
		}
		opened++
	}
	if opened == 0 {
		return errkind.Newf(errkind.KindIO, "none of %d configured files could be opened", len(s.paths))
	}

	s.wg.Add(1)
	go s.watchLoop()

	return nil
}

// Stop halts tailing, records final cursors and closes the record channel.
func (s *Source) Stop() {
	s.cancel()
	s.watcher.Close()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Persist only delivered offsets: a partial line read ahead of its
	// newline is re-read by the next session instead of being skipped.
	for path, tf := range s.files {
		if tf.file != nil {
			s.checkpoint.Update(path, tf.emitted, tf.inode)
			tf.file.Close()
		}
	}

	close(s.recordCh)
}

// Records returns the channel of produced log records.
func (s *Source) Records() <-chan *types.LogRecord {
	return s.recordCh
}

// NotifySealed tells the source a file was just sealed and replaced. The
// reader drains the sealed identity to EOF before switching to the new one.
func (s *Source) NotifySealed(path string) {
	s.mu.RLock()
	tf, ok := s.files[path]
	s.mu.RUnlock()
	if ok {
		tf.rotated.Store(true)
	}
}

func (s *Source) openFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat file: %w", err)
	}
	inode := inodeOf(stat)

	// Resume only when the checkpoint refers to this exact file identity.
	var offset int64
	if pos, ok := s.checkpoint.Position(path); ok && pos.Inode == inode {
		offset = pos.Offset
		s.logger.Info().Str("path", path).Int64("offset", offset).Msg("Resuming from checkpoint")
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("failed to seek to offset: %w", err)
	}

	tf := &tailedFile{
		path:    path,
		file:    file,
		reader:  bufio.NewReader(file),
		offset:  offset,
		emitted: offset,
		inode:   inode,
	}

	s.mu.Lock()
	s.files[path] = tf
	s.mu.Unlock()

	if err := s.watcher.Add(path); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to add file to watcher")
	}

	s.wg.Add(1)
	go s.readLoop(tf)

	return nil
}

// switchFile closes the drained identity and reopens the successor file at
// offset zero.
func (s *Source) switchFile(tf *tailedFile) error {
	s.checkpoint.Update(tf.path, tf.emitted, tf.inode)
	tf.file.Close()

	// The successor may not exist yet if the writer renames before
	// recreating. Poll until it appears.
	var file *os.File
	var err error
	for {
		file, err = os.Open(tf.path)
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to open successor file: %w", err)
		}
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat successor file: %w", err)
	}

	tf.file = file
	tf.reader = bufio.NewReader(file)
	tf.offset = 0
	tf.emitted = 0
	tf.inode = inodeOf(stat)
	tf.rotated.Store(false)
	s.checkpoint.Update(tf.path, 0, tf.inode)

	s.logger.Info().Str("path", tf.path).Uint64("inode", tf.inode).Msg("Switched to successor file")
	return nil
}

func (s *Source) readLoop(tf *tailedFile) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		line, err := tf.reader.ReadString('\n')
		if len(line) > 0 {
			tf.offset += int64(len(line))
			tf.pending.WriteString(line)
		}

		if err == nil {
			if s.emit(tf) {
				tf.emitted = tf.offset
			}
			if tf.offset%8192 < int64(len(line)) {
				s.checkpoint.Update(tf.path, tf.emitted, tf.inode)
			}
			continue
		}

		if err != io.EOF {
			s.logger.Error().Err(err).Str("path", tf.path).Msg("Error reading file")
			return
		}

		// At EOF. A pending rotation means the writer is done with this
		// identity: flush any trailing unterminated line and switch.
		if tf.rotated.Load() || s.identityChanged(tf) {
			if tf.pending.Len() > 0 {
				if s.emit(tf) {
					tf.emitted = tf.offset
				}
			}
			if err := s.switchFile(tf); err != nil {
				s.logger.Error().Err(err).Str("path", tf.path).Msg("Failed to switch file after rotation")
				return
			}
			continue
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.pollInterval):
		}
	}
}

// identityChanged reports whether the path now refers to a different inode
// than the open file, i.e. it was rotated without an explicit notice.
func (s *Source) identityChanged(tf *tailedFile) bool {
	stat, err := os.Stat(tf.path)
	if err != nil {
		return false
	}
	return inodeOf(stat) != tf.inode
}

func (s *Source) emit(tf *tailedFile) bool {
	raw := strings.TrimSuffix(tf.pending.String(), "\n")
	tf.pending.Reset()

	record := makeRecord(raw, tf.path)

	select {
	case s.recordCh <- record:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Source) watchLoop() {
	defer s.wg.Done()

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("File watcher error")

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Source) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		s.logger.Info().Str("path", event.Name).Msg("File rotation detected")
		s.NotifySealed(event.Name)

	case event.Op&fsnotify.Create == fsnotify.Create:
		s.mu.RLock()
		_, open := s.files[event.Name]
		s.mu.RUnlock()
		if !open {
			if err := s.openFile(event.Name); err != nil {
				s.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to open created file")
			}
		}
	}
}

// makeRecord builds a LogRecord from a raw line: invalid byte sequences are
// decoded lossily and flagged, and a leading timestamp is extracted when
// present.
func makeRecord(raw, sourceID string) *types.LogRecord {
	record := &types.LogRecord{
		SourceID: sourceID,
		Raw:      raw,
	}

	if !utf8.ValidString(raw) {
		record.Raw = strings.ToValidUTF8(raw, "�")
		record.Garbled = true
	}

	if ts := timestampPattern.FindString(record.Raw); ts != "" {
		if parsed, err := time.Parse(timestampLayout, ts); err == nil {
			record.Timestamp = parsed
			record.Fields = map[string]string{"ts": ts}
		}
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	return record
}

// ReadAll reads an entire file as records, for one-shot analysis. The whole
// scan survives garbled lines; only an unreadable file is an error.
func ReadAll(path string) ([]*types.LogRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errkind.New(errkind.KindIO, fmt.Errorf("failed to open log file %s: %w", path, err))
	}
	defer file.Close()

	var records []*types.LogRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		records = append(records, makeRecord(scanner.Text(), path))
	}
	if err := scanner.Err(); err != nil {
		return records, errkind.New(errkind.KindIO, fmt.Errorf("failed reading %s: %w", path, err))
	}

	return records, nil
}

func inodeOf(fi os.FileInfo) uint64 {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}
