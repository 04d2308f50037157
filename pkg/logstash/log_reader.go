package logstash

import (
	"encoding/json"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/srand/buildmaster/pkg/protocol"
)

type LogReader interface {
	// Returns the next line or io.EOF.
	ReadLine() (*protocol.LogLine, error)
	Close() error
}

type fileLogReader struct {
	file    afero.File
	zstd    *zstd.Decoder
	decoder *json.Decoder
}

func newFileLogReader(file afero.File) (*fileLogReader, error) {
	dec, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}

	return &fileLogReader{
		file:    file,
		zstd:    dec,
		decoder: json.NewDecoder(dec),
	}, nil
}

func (r *fileLogReader) ReadLine() (*protocol.LogLine, error) {
	line := &protocol.LogLine{}
	if err := r.decoder.Decode(line); err != nil {
		return nil, err
	}
	return line, nil
}

func (r *fileLogReader) Close() error {
	r.zstd.Close()
	return r.file.Close()
}
