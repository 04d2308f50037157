package logstash

import (
	"github.com/srand/buildmaster/pkg/protocol"
)

type LogFilterFunc func(*protocol.LogLine) bool

type filteredLogReader struct {
	LogReader
	filters []LogFilterFunc
}

func NewFilteredLogReader(reader LogReader) *filteredLogReader {
	return &filteredLogReader{
		LogReader: reader,
	}
}

func (r *filteredLogReader) AddFilter(filter LogFilterFunc) {
	r.filters = append(r.filters, filter)
}

func (r *filteredLogReader) Match(line *protocol.LogLine) bool {
	for _, filter := range r.filters {
		if !filter(line) {
			return false
		}
	}

	return true
}

func (r *filteredLogReader) ReadLine() (*protocol.LogLine, error) {
	for {
		line, err := r.LogReader.ReadLine()
		if err != nil {
			return nil, err
		}

		if r.Match(line) {
			return line, nil
		}
	}
}

// Only passes lines from the named output stream.
func StreamFilter(stream string) LogFilterFunc {
	return func(line *protocol.LogLine) bool {
		return line.Stream == stream
	}
}
