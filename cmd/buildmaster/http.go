package main

import (
	"context"
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v4"
	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/logstash"
	"github.com/srand/buildmaster/pkg/scheduler"
	"github.com/srand/buildmaster/pkg/utils"
)

// Serves metrics, health and step logs until the context is cancelled.
func serveHttp(ctx context.Context, dispatcher *scheduler.Dispatcher, stash logstash.LogStash, uri string) error {
	host, err := utils.ParseHttpUrl(uri)
	if err != nil {
		return err
	}

	log.Info("Listening on http", host)

	r := echo.New()
	r.HideBanner = true
	r.HidePort = true
	r.Use(utils.HttpLogger)

	logstash.NewHttpHandler(stash, r)
	scheduler.NewHttpHandler(dispatcher, r)

	stop := context.AfterFunc(ctx, func() {
		r.Close()
	})
	defer stop()

	if err := r.Start(host); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
