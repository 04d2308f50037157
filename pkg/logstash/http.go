package logstash

import (
	"bufio"
	"fmt"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/srand/buildmaster/pkg/utils"
)

// Serves logs as plain text at /logs/:id.
// The optional stream query parameter selects stdout or stderr.
func NewHttpHandler(stash LogStash, r *echo.Echo) http.Handler {
	r.GET("/logs/:id", func(c echo.Context) error {
		reader, err := stash.Read(c.Param("id"))
		switch {
		case errors.Is(err, utils.ErrNotFound):
			return c.String(http.StatusNotFound, err.Error())
		case errors.Is(err, utils.ErrBadRequest):
			return c.String(http.StatusBadRequest, err.Error())
		case err != nil:
			return c.String(http.StatusInternalServerError, err.Error())
		}

		filtered := NewFilteredLogReader(reader)
		defer filtered.Close()

		if stream := c.QueryParam("stream"); stream != "" {
			filtered.AddFilter(StreamFilter(stream))
		}

		c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextPlain)
		c.Response().WriteHeader(http.StatusOK)
		writer := bufio.NewWriter(c.Response())
		defer writer.Flush()

		for {
			record, err := filtered.ReadLine()
			if err == io.EOF {
				return nil
			}

			if err != nil {
				// Headers are already sent
				return err
			}

			ts := record.Time.Local()
			line := fmt.Sprintf(
				"%s.%06d [%6s] %s\n",
				ts.Format("2006-01-02 15:04:05"),
				ts.Nanosecond()/1000,
				record.Stream,
				record.Message)

			if _, err := writer.WriteString(line); err != nil {
				return err
			}
		}
	})

	return r
}
