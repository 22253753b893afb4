package main

import (
	"log"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"

	"github.com/websoft9/devicelink/internal/config"
	"github.com/websoft9/devicelink/internal/hooks"
	"github.com/websoft9/devicelink/internal/transfer"
	"github.com/websoft9/devicelink/internal/worker"

	// Register the audit_logs / app_settings migrations
	_ "github.com/websoft9/devicelink/internal/migrations"
)

func main() {
	app := pocketbase.New()
	env := config.LoadEnv()

	// Register event hooks (config load, transfer server start/reload/stop)
	hooks.Register(app, env)

	// Ticket expiry and revocation go through Asynq when Redis is configured;
	// otherwise the broker falls back to in-process timers and goroutines.
	if env.RedisAddr != "" {
		w := worker.New(env.RedisAddr, transfer.DefaultBroker())
		transfer.DefaultBroker().SetScheduler(w)

		app.OnServe().BindFunc(func(se *core.ServeEvent) error {
			w.Start()
			return se.Next()
		})
		app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
			w.Shutdown()
			return e.Next()
		})
	} else {
		log.Printf("[worker] REDIS_ADDR not set, ticket expiry and revocation run in process")
	}

	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}
