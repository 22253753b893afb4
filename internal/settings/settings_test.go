package settings_test

import (
	"slices"
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/tests"

	_ "github.com/websoft9/devicelink/internal/migrations"
	"github.com/websoft9/devicelink/internal/settings"
)

// ─── Int() tests ──────────────────────────────────────────────────────────

func TestInt_Float64(t *testing.T) {
	g := map[string]any{"maxConcurrentSessions": float64(42)}
	if got := settings.Int(g, "maxConcurrentSessions", 0); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestInt_Int(t *testing.T) {
	g := map[string]any{"n": 7}
	if got := settings.Int(g, "n", 0); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
}

func TestInt_Missing(t *testing.T) {
	g := map[string]any{}
	if got := settings.Int(g, "missing", 99); got != 99 {
		t.Errorf("expected fallback 99, got %d", got)
	}
}

func TestInt_Nil(t *testing.T) {
	g := map[string]any{"n": nil}
	if got := settings.Int(g, "n", 5); got != 5 {
		t.Errorf("expected fallback 5, got %d", got)
	}
}

// ─── String() tests ───────────────────────────────────────────────────────

func TestString_Present(t *testing.T) {
	g := map[string]any{"advertisedHost": "transfer.example.net"}
	if got := settings.String(g, "advertisedHost", ""); got != "transfer.example.net" {
		t.Errorf("expected transfer.example.net, got %q", got)
	}
}

func TestString_Missing(t *testing.T) {
	g := map[string]any{}
	if got := settings.String(g, "advertisedHost", "default"); got != "default" {
		t.Errorf("expected fallback default, got %q", got)
	}
}

func TestString_WrongType(t *testing.T) {
	g := map[string]any{"advertisedHost": 123}
	if got := settings.String(g, "advertisedHost", "fb"); got != "fb" {
		t.Errorf("expected fallback fb, got %q", got)
	}
}

// ─── Int() string numeric tests ───────────────────────────────────────────

func TestInt_StringNumeric(t *testing.T) {
	g := map[string]any{"n": "42"}
	if got := settings.Int(g, "n", 0); got != 42 {
		t.Errorf("expected 42 from string \"42\", got %d", got)
	}
}

func TestInt_StringInvalid(t *testing.T) {
	g := map[string]any{"n": "abc"}
	if got := settings.Int(g, "n", 99); got != 99 {
		t.Errorf("expected fallback 99 for non-numeric string, got %d", got)
	}
}

// ─── Bool() / Duration() tests ────────────────────────────────────────────

func TestBool_Shapes(t *testing.T) {
	g := map[string]any{
		"a": true,
		"b": "false",
		"c": float64(1),
		"d": "maybe",
		"e": nil,
	}
	cases := []struct {
		field    string
		fallback bool
		want     bool
	}{
		{"a", false, true},
		{"b", true, false},
		{"c", false, true},
		{"d", true, true},
		{"e", true, true},
		{"missing", false, false},
	}
	for _, c := range cases {
		if got := settings.Bool(g, c.field, c.fallback); got != c.want {
			t.Errorf("Bool(%q, %v) = %v, want %v", c.field, c.fallback, got, c.want)
		}
	}
}

func TestDuration_Units(t *testing.T) {
	g := map[string]any{"timeoutMs": float64(1500), "ttl": "30", "bad": -1}
	if got := settings.Duration(g, "timeoutMs", time.Millisecond, time.Second); got != 1500*time.Millisecond {
		t.Errorf("timeoutMs: got %v", got)
	}
	if got := settings.Duration(g, "ttl", time.Second, 0); got != 30*time.Second {
		t.Errorf("ttl: got %v", got)
	}
	if got := settings.Duration(g, "bad", time.Second, 5*time.Second); got != 5*time.Second {
		t.Errorf("negative value should fall back, got %v", got)
	}
	if got := settings.Duration(g, "missing", time.Second, 7*time.Second); got != 7*time.Second {
		t.Errorf("missing: got %v", got)
	}
}

// ─── StringSlice() tests ──────────────────────────────────────────────────

func TestStringSlice_Shapes(t *testing.T) {
	g := map[string]any{
		"json":   []any{" aes128-ctr ", "", 7, "aes256-ctr"},
		"csv":    "hmac-sha2-256, hmac-sha1,,",
		"native": []string{"none"},
	}
	if got := settings.StringSlice(g, "json"); !slices.Equal(got, []string{"aes128-ctr", "aes256-ctr"}) {
		t.Errorf("json: got %v", got)
	}
	if got := settings.StringSlice(g, "csv"); !slices.Equal(got, []string{"hmac-sha2-256", "hmac-sha1"}) {
		t.Errorf("csv: got %v", got)
	}
	if got := settings.StringSlice(g, "native"); !slices.Equal(got, []string{"none"}) {
		t.Errorf("native: got %v", got)
	}
	if got := settings.StringSlice(g, "missing"); got == nil || len(got) != 0 {
		t.Errorf("missing: expected empty non-nil slice, got %#v", got)
	}
}

// ─── GetGroup / SetGroup round trip ───────────────────────────────────────

func TestGetGroup_FallbackAndRoundTrip(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	fallback := map[string]any{"port": 2022}
	got, err := settings.GetGroup(app, "transfer", "nope", fallback)
	if err == nil {
		t.Error("expected an error for a missing row")
	}
	if settings.Int(got, "port", 0) != 2022 {
		t.Errorf("expected fallback map, got %v", got)
	}

	if err := settings.SetGroup(app, "transfer", "nope", map[string]any{"port": 2222, "enabled": false}); err != nil {
		t.Fatalf("SetGroup: %v", err)
	}
	got, err = settings.GetGroup(app, "transfer", "nope", fallback)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if settings.Int(got, "port", 0) != 2222 || settings.Bool(got, "enabled", true) {
		t.Errorf("unexpected group %v", got)
	}
}
