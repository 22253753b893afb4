package migrations

import (
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"

	"github.com/websoft9/devicelink/internal/config"
	"github.com/websoft9/devicelink/internal/settings"
)

// Seeds cli/ssh, cli/telnet and transfer/server with insert-if-not-exists:
// rows an admin already customised are left alone. Seed data is never
// rolled back.
func init() {
	m.Register(func(app core.App) error {
		groups := []struct {
			module, key string
			value       map[string]any
		}{
			{config.ModuleCLI, config.KeySSH, config.DefaultSSHGroup()},
			{config.ModuleCLI, config.KeyTelnet, config.DefaultTelnetGroup()},
			{config.ModuleTransfer, config.KeyServer, config.DefaultTransferGroup()},
		}
		for _, g := range groups {
			_, err := app.FindFirstRecordByFilter(
				"app_settings",
				"module = {:module} && key = {:key}",
				dbx.Params{"module": g.module, "key": g.key},
			)
			if err == nil {
				continue
			}
			if err := settings.SetGroup(app, g.module, g.key, g.value); err != nil {
				return err
			}
		}
		return nil
	}, func(app core.App) error {
		return nil
	})
}
