// Package hooks registers PocketBase event hooks that start, reconfigure and
// stop the devicelink runtime.
package hooks

import (
	"log"

	"github.com/pocketbase/pocketbase/core"

	"github.com/websoft9/devicelink/internal/audit"
	"github.com/websoft9/devicelink/internal/config"
	"github.com/websoft9/devicelink/internal/terminal"
	"github.com/websoft9/devicelink/internal/transfer"
)

// Register binds all custom event hooks to the PocketBase app.
func Register(app core.App, env config.Env) {
	registerLifecycleHooks(app, env)
	registerSettingsHooks(app, env)
	registerLoginAuditHooks(app)
}

// registerLifecycleHooks loads the configuration and starts the transfer
// server when PocketBase starts serving, and stops it on terminate.
func registerLifecycleHooks(app core.App, env config.Env) {
	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		start(se.App, env)
		return se.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		transfer.Shutdown()
		return e.Next()
	})
}

// start applies the stored configuration. A transfer server that cannot
// bind is logged, not fatal: the CLI engine works without it.
func start(app core.App, env config.Env) {
	cfg := config.Load(app, env)
	terminal.Default().SetDefaults(cfg.SSH, cfg.Telnet)
	if err := transfer.Init(cfg.Transfer, audit.TransferSink{App: app}); err != nil {
		log.Printf("[transfer] server not started: %v", err)
	}
}

// registerSettingsHooks re-applies a settings group whenever its
// app_settings row is created or updated.
func registerSettingsHooks(app core.App, env config.Env) {
	apply := func(e *core.RecordEvent) error {
		applySettings(e.App, env, e.Record.GetString("module"), e.Record.GetString("key"))
		return e.Next()
	}
	app.OnRecordAfterCreateSuccess("app_settings").BindFunc(apply)
	app.OnRecordAfterUpdateSuccess("app_settings").BindFunc(apply)
}

func applySettings(app core.App, env config.Env, module, key string) {
	switch {
	case module == config.ModuleCLI && (key == config.KeySSH || key == config.KeyTelnet):
		cfg := config.Load(app, env)
		terminal.Default().SetDefaults(cfg.SSH, cfg.Telnet)
		log.Printf("[config] %s/%s applied to new sessions", module, key)
	case module == config.ModuleTransfer && key == config.KeyServer:
		if err := transfer.Reload(config.LoadTransfer(app, env)); err != nil {
			log.Printf("[transfer] reload failed: %v", err)
			return
		}
		log.Printf("[config] %s/%s applied", module, key)
	}
}

// registerLoginAuditHooks writes audit records on superuser login success
// and failure.
func registerLoginAuditHooks(app core.App) {
	app.OnRecordAuthWithPasswordRequest(core.CollectionNameSuperusers).BindFunc(func(e *core.RecordAuthWithPasswordRequestEvent) error {
		ip := e.RealIP()
		ua := e.Request.Header.Get("User-Agent")
		err := e.Next()
		if err != nil {
			audit.Write(e.App, audit.Entry{
				UserID: "unknown", UserEmail: e.Identity,
				Action: "login.failed", ResourceType: "session",
				Status:    audit.StatusFailed,
				IP:        ip,
				UserAgent: ua,
				Detail:    map[string]any{"reason": err.Error()},
			})
			return err
		}
		audit.Write(e.App, audit.Entry{
			UserID: e.Record.Id, UserEmail: e.Record.GetString("email"),
			Action: "login.success", ResourceType: "session",
			Status:    audit.StatusSuccess,
			IP:        ip,
			UserAgent: ua,
		})
		return nil
	})
}
