package logstash

import (
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/utils"
)

type LogStashConfig interface {
	// Get the maximum allowed size of the stash
	// If the stash is larger than this, the oldest entries will be removed.
	// If this is 0, the stash will be unbounded.
	MaxSize() int64
}

type LogStash interface {
	// Opens a log for appending, creating it if needed.
	Append(id string) (LogWriter, error)

	// Opens a log for reading.
	Read(id string) (LogReader, error)
}

type logFile struct {
	fs   afero.Fs
	path string
	size int64
}

func newLogFile(fs afero.Fs, path string) *logFile {
	var size int64

	if st, err := fs.Stat(path); err == nil {
		size = st.Size()
	}

	return &logFile{
		fs:   fs,
		path: path,
		size: size,
	}
}

func (f *logFile) Path() string {
	return f.path
}

func (f *logFile) Size() int64 {
	return f.size
}

func (f *logFile) Unlink() error {
	return f.fs.Remove(f.path)
}

type logStash struct {
	sync.Mutex
	config LogStashConfig
	fs     afero.Fs
	lru    *utils.LRU[*logFile]
	// Logs currently open for writing, never evicted.
	writers map[string]int
}

// Create a new log stash backed by the given filesystem.
func NewLogStash(config LogStashConfig, fs afero.Fs) LogStash {
	stash := &logStash{
		config:  config,
		fs:      fs,
		writers: map[string]int{},
	}

	stash.lru = utils.NewLRU[*logFile](config.MaxSize(), func(item *logFile) bool {
		log.Debug("del - log - id:", item.Path())
		if err := item.Unlink(); err != nil && !os.IsNotExist(err) {
			log.Warnf("Failed to remove log %s: %v", item.Path(), err)
		}
		return true
	})

	// Load existing log files into LRU
	logCount := 0

	_ = afero.Walk(fs, ".", func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}

		stash.lru.Add(newLogFile(fs, path))
		logCount++
		return nil
	})

	log.Infof("Loaded %d log files into logstash LRU cache. Size: %s / %s",
		logCount, utils.HumanByteSize(stash.lru.Size()), utils.HumanByteSize(config.MaxSize()))

	return stash
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return errors.Wrapf(utils.ErrBadRequest, "invalid log id %q", id)
	}
	return nil
}

func (s *logStash) Append(id string) (LogWriter, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	file, err := s.fs.OpenFile(id, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	s.Lock()
	s.writers[id]++
	s.lru.Remove(id)
	s.Unlock()

	writer, err := newFileLogWriter(s, id, file)
	if err != nil {
		file.Close()
		s.logClosed(id)
		return nil, err
	}

	log.Debug("add - log - id:", id)
	return writer, nil
}

func (s *logStash) Read(id string) (LogReader, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	file, err := s.fs.Open(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(utils.ErrNotFound, "log %s", id)
		}
		return nil, err
	}

	// Mark as recently used
	s.lru.Get(id)

	reader, err := newFileLogReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return reader, nil
}

func (s *logStash) logClosed(id string) {
	s.Lock()
	defer s.Unlock()

	s.writers[id]--
	if s.writers[id] > 0 {
		return
	}
	delete(s.writers, id)

	s.lru.Add(newLogFile(s.fs, id))
}
