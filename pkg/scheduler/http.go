package scheduler

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/srand/buildmaster/pkg/protocol"
)

func NewHttpHandler(dispatcher *Dispatcher, r *echo.Echo) {
	r.GET("/metrics", func(c echo.Context) error {
		stats := dispatcher.Statistics()

		metrics := fmt.Sprintln("# TYPE buildmaster_builds gauge")
		metrics += fmt.Sprintln("# HELP buildmaster_builds The number of builds currently running.")
		metrics += fmt.Sprintf("buildmaster_builds %d\n", stats.Builds)

		metrics += fmt.Sprintln("# TYPE buildmaster_builds_total counter")
		metrics += fmt.Sprintln("# HELP buildmaster_builds_total The total number of finished builds.")
		metrics += fmt.Sprintf("buildmaster_builds_total %d\n", stats.CompletedBuilds)

		metrics += fmt.Sprintln("# TYPE buildmaster_builds_result_total counter")
		metrics += fmt.Sprintln("# HELP buildmaster_builds_result_total The total number of finished builds by result.")
		results := []protocol.Result{
			protocol.ResultSuccess,
			protocol.ResultWarnings,
			protocol.ResultFailure,
			protocol.ResultSkipped,
			protocol.ResultException,
			protocol.ResultRetry,
			protocol.ResultCancelled,
		}
		for _, result := range results {
			metrics += fmt.Sprintf("buildmaster_builds_result_total{result=%q} %d\n", strings.ToLower(result.String()), stats.Results[result])
		}

		metrics += fmt.Sprintln("# TYPE buildmaster_workers gauge")
		metrics += fmt.Sprintln("# HELP buildmaster_workers The number of workers currently connected.")
		metrics += fmt.Sprintf("buildmaster_workers %d\n", stats.Workers)

		metrics += fmt.Sprintln("# TYPE buildmaster_buildsets_pending gauge")
		metrics += fmt.Sprintln("# HELP buildmaster_buildsets_pending The number of buildsets with builds in progress.")
		metrics += fmt.Sprintf("buildmaster_buildsets_pending %d\n", stats.BuildSets)

		metrics += fmt.Sprintln("# TYPE buildmaster_builders_stalled gauge")
		metrics += fmt.Sprintln("# HELP buildmaster_builders_stalled The number of builders with pending requests that cannot be dispatched.")
		metrics += fmt.Sprintf("buildmaster_builders_stalled %d\n", len(stats.Stalled))

		builders := make([]string, 0, len(stats.Stalled))
		for builder := range stats.Stalled {
			builders = append(builders, builder)
		}
		sort.Strings(builders)

		metrics += fmt.Sprintln("# TYPE buildmaster_builder_stalled gauge")
		metrics += fmt.Sprintln("# HELP buildmaster_builder_stalled Set for each stalled builder, labelled with the reason.")
		for _, builder := range builders {
			metrics += fmt.Sprintf("buildmaster_builder_stalled{builder=%q,reason=%q} 1\n", builder, stats.Stalled[builder])
		}

		metrics += fmt.Sprintln("# TYPE buildmaster_lock_holders gauge")
		metrics += fmt.Sprintln("# HELP buildmaster_lock_holders The number of holders of each lock.")
		for _, lock := range stats.Locks {
			metrics += fmt.Sprintf("buildmaster_lock_holders{lock=%q} %d\n", lock.Name, len(lock.Holders))
		}

		metrics += fmt.Sprintln("# TYPE buildmaster_lock_waiters gauge")
		metrics += fmt.Sprintln("# HELP buildmaster_lock_waiters The number of requests waiting for each lock.")
		for _, lock := range stats.Locks {
			metrics += fmt.Sprintf("buildmaster_lock_waiters{lock=%q} %d\n", lock.Name, len(lock.Waiters))
		}

		return c.String(http.StatusOK, metrics)
	})

	r.GET("/healthz", func(c echo.Context) error {
		if err := dispatcher.Healthy(); err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		return c.String(http.StatusOK, "ok")
	})
}
