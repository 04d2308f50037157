package logstash

import (
	"encoding/json"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/srand/buildmaster/pkg/protocol"
)

type LogWriter interface {
	WriteLine(*protocol.LogLine) error
	Close() error
}

// Writes one zstd frame of JSON encoded lines per writer.
// Frames appended by later writers are read back as one stream.
type fileLogWriter struct {
	id      string
	file    afero.File
	zstd    *zstd.Encoder
	encoder *json.Encoder
	stash   *logStash
}

func newFileLogWriter(stash *logStash, id string, file afero.File) (*fileLogWriter, error) {
	enc, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}

	return &fileLogWriter{
		id:      id,
		file:    file,
		zstd:    enc,
		encoder: json.NewEncoder(enc),
		stash:   stash,
	}, nil
}

func (r *fileLogWriter) WriteLine(line *protocol.LogLine) error {
	return r.encoder.Encode(line)
}

func (r *fileLogWriter) Close() error {
	defer r.stash.logClosed(r.id)

	err := r.zstd.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}
