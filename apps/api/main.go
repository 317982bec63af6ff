package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	dig_container "github.com/trezcool/bulletin/apps/api/di/dig"
	echoapi "github.com/trezcool/bulletin/apps/api/echo"
	"github.com/trezcool/bulletin/core"
	"github.com/trezcool/bulletin/core/grading"
	queuesvc "github.com/trezcool/bulletin/services/queue"
)

func main() {
	c := dig_container.New()

	must(c.Invoke(func(
		conf *core.Config,
		apiLogger core.Logger,
		dbLoggerParam dig_container.DBLoggerParam,
		db *sqlx.DB,
		svc *grading.Service,
		trigger *grading.Trigger,
		queue *queuesvc.Queue,
		server *echoapi.Server,
	) {
		// =========================================================================
		// Initialize App

		apiLogger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))

		dbLogger := dbLoggerParam.Logger
		defer func() {
			if err := db.Close(); err != nil {
				dbLogger.Fatal("Failed to close", err)
			}
		}()
		defer apiLogger.Info("Application stopped")

		// =========================================================================
		// Start Debug Service
		//
		// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
		// /debug/vars - Added to the default mux by importing the expvar package.

		// Expose important info under /debug/vars.
		expvar.NewString("build").Set(conf.Build)
		expvar.NewString("env").Set(conf.Env)
		expvar.Publish("queue_pending", expvar.Func(func() interface{} { return queue.Pending() }))

		go func() {
			if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
				apiLogger.Error(fmt.Sprintf("debug server closed: %v", err), err)
			}
		}()

		// =========================================================================
		// Start Recalculation Workers

		queue.RegisterAll(svc.Handlers())
		if err := queue.Start(context.Background()); err != nil {
			apiLogger.Fatal(fmt.Sprintf("starting queue: %v", err), err)
		}

		scheduler := newScheduler(conf, apiLogger, trigger)
		scheduler.Start()

		// =========================================================================
		// Start API Service

		go func() {
			server.Start()
		}()

		// =========================================================================
		// Shutdown

		select {
		case err := <-server.Errors():
			apiLogger.Error(fmt.Sprintf("server error: %v", err), err)

		case sig := <-server.ShutdownSignal():
			apiLogger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
		}

		// give outstanding requests & tasks a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shut down and shed load
		if err := server.Shutdown(ctx); err != nil {
			apiLogger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				apiLogger.Error(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}

		select {
		case <-scheduler.Stop().Done():
		case <-ctx.Done():
		}

		if err := queue.Stop(ctx); err != nil {
			apiLogger.Error(fmt.Sprintf("could not drain queue: %v", err), err)
		}
	}))
}

// newScheduler runs the periodic full recalculation, which also repairs grade events that failed to publish.
// An "off" or empty schedule disables it.
func newScheduler(conf *core.Config, logger core.Logger, trigger *grading.Trigger) *cron.Cron {
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if schedule := core.CleanString(conf.Recalc.Schedule, true /* lower */); schedule == "" || schedule == "off" {
		logger.Warn("periodic recalculation disabled")
		return scheduler
	}

	_, err := scheduler.AddFunc(conf.Recalc.Schedule, func() {
		n, err := trigger.Recalculate(context.Background(), grading.RecalcFilter{})
		if err != nil {
			logger.Error("scheduled recalculation failed", err)
			return
		}
		logger.Info(fmt.Sprintf("scheduled recalculation: %d tasks", n))
	})
	if err != nil {
		logger.Fatal(fmt.Sprintf("invalid recalculation schedule %q: %v", conf.Recalc.Schedule, err), err)
	}
	return scheduler
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
