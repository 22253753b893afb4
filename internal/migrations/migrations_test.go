package migrations_test

import (
	"testing"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"

	"github.com/websoft9/devicelink/internal/config"
	// trigger init() registrations
	_ "github.com/websoft9/devicelink/internal/migrations"
	"github.com/websoft9/devicelink/internal/settings"
)

func TestAuditLogsCollectionFields(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	col, err := app.FindCollectionByNameOrId("audit_logs")
	if err != nil {
		t.Fatal(err)
	}
	if col.Type != core.CollectionTypeBase {
		t.Errorf("expected base collection, got %q", col.Type)
	}
	assertFieldExists(t, col, "user_id", core.FieldTypeText)
	assertFieldExists(t, col, "action", core.FieldTypeText)
	assertFieldExists(t, col, "resource_id", core.FieldTypeText)
	assertFieldExists(t, col, "status", core.FieldTypeSelect)
	assertFieldExists(t, col, "ip", core.FieldTypeText)
	assertFieldExists(t, col, "detail", core.FieldTypeJSON)
	assertFieldExists(t, col, "created", core.FieldTypeAutodate)

	if col.CreateRule != nil || col.UpdateRule != nil || col.DeleteRule != nil {
		t.Error("audit_logs must not be writable through the API")
	}
}

func TestAppSettingsCollectionFields(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	col, err := app.FindCollectionByNameOrId("app_settings")
	if err != nil {
		t.Fatal(err)
	}
	assertFieldExists(t, col, "module", core.FieldTypeText)
	assertFieldExists(t, col, "key", core.FieldTypeText)
	assertFieldExists(t, col, "value", core.FieldTypeJSON)
	if len(col.Indexes) != 1 {
		t.Errorf("expected the unique (module, key) index, got %v", col.Indexes)
	}
}

func TestDeviceSettingsSeeded(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	ssh, err := settings.GetGroup(app, config.ModuleCLI, config.KeySSH, nil)
	if err != nil {
		t.Fatalf("cli/ssh: %v", err)
	}
	if got := settings.Int(ssh, "commandTimeoutMs", 0); got != 120000 {
		t.Errorf("cli/ssh commandTimeoutMs = %d", got)
	}

	telnet, err := settings.GetGroup(app, config.ModuleCLI, config.KeyTelnet, nil)
	if err != nil {
		t.Fatalf("cli/telnet: %v", err)
	}
	if got := settings.String(telnet, "terminalType", ""); got != "vt100" {
		t.Errorf("cli/telnet terminalType = %q", got)
	}

	server, err := settings.GetGroup(app, config.ModuleTransfer, config.KeyServer, nil)
	if err != nil {
		t.Fatalf("transfer/server: %v", err)
	}
	if got := settings.Int(server, "port", 0); got != 2022 {
		t.Errorf("transfer/server port = %d", got)
	}
	if !settings.Bool(server, "sftpEnabled", false) || !settings.Bool(server, "scpEnabled", false) {
		t.Errorf("both protocols should be seeded enabled: %v", server)
	}
}

func assertFieldExists(t *testing.T, col *core.Collection, name, fieldType string) {
	t.Helper()
	f := col.Fields.GetByName(name)
	if f == nil {
		t.Errorf("collection %q: field %q not found", col.Name, name)
		return
	}
	if f.Type() != fieldType {
		t.Errorf("collection %q.%s: expected type %q, got %q", col.Name, name, fieldType, f.Type())
	}
}
