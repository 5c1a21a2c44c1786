package tuning

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_ClaimsYAML(t *testing.T) {
	tune, err := Load("../../../configs/claims.yaml")
	if err != nil {
		t.Fatalf("load claims.yaml: %v", err)
	}
	d := Defaults()
	if tune.Sync != d.Sync || tune.Replacement != d.Replacement || tune.World != d.World {
		t.Fatalf("shipped config drifted from defaults: %+v", tune)
	}
	if tune.Replication != d.Replication {
		t.Fatalf("replication=%+v want=%+v", tune.Replication, d.Replication)
	}
	c := tune.Claims
	if c.ExpirationHours != 8760 || c.ExpirationCheckInterval != 6*time.Hour || !c.ConvertExpired {
		t.Fatalf("expiration=%d/%s/%v", c.ExpirationHours, c.ExpirationCheckInterval, c.ConvertExpired)
	}
}

func TestParse_Expiration(t *testing.T) {
	tune, err := Parse([]byte("claims:\n  expiration_hours: 0\n  convert_expired: false\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tune.Claims.ExpirationHours != 0 || tune.Claims.ConvertExpired {
		t.Fatalf("claims=%+v", tune.Claims)
	}
	_, err = Parse([]byte("claims:\n  expiration_check_interval: 10s\n"))
	if err == nil || !strings.Contains(err.Error(), "expiration_check_interval") {
		t.Fatalf("err=%v want expiration_check_interval error", err)
	}
	if _, err := Parse([]byte("claims:\n  expiration_hours: -1\n")); err == nil {
		t.Fatalf("expected schema error for negative expiration_hours")
	}
}

func TestParse_PartialKeepsDefaults(t *testing.T) {
	tune, err := Parse([]byte("sync:\n  mode: OWNED_ONLY\nreplication:\n  clogged_after: 2s\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tune.Sync.Mode != "owned_only" {
		t.Fatalf("mode=%q want=owned_only", tune.Sync.Mode)
	}
	if tune.Replication.CloggedAfter != 2*time.Second || tune.Replication.BytesPerTick != 65536 {
		t.Fatalf("replication=%+v", tune.Replication)
	}
	if tune.Claims.MaxClaims != 500 {
		t.Fatalf("max_claims=%d want=500", tune.Claims.MaxClaims)
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	tune, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tune.World.TickRateHz != 20 {
		t.Fatalf("tick_rate_hz=%d want=20", tune.World.TickRateHz)
	}
}

func TestParse_SchemaRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "sync:\n  bogus: 1\n",
		"bad mode":        "sync:\n  mode: everyone\n",
		"negative budget": "replication:\n  bytes_per_tick: -1\n",
		"bare duration":   "replication:\n  confirmation_timeout: 60\n",
		"dup dimension":   "claims:\n  claimable_dimensions: [a, a]\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParse_CrossFieldChecks(t *testing.T) {
	_, err := Parse([]byte("replication:\n  confirmation_timeout: 1s\n  clogged_after: 2s\n"))
	if err == nil || !strings.Contains(err.Error(), "confirmation_timeout") {
		t.Fatalf("err=%v want confirmation_timeout error", err)
	}
	_, err = Parse([]byte("replication:\n  bytes_per_tick: 100\n  capacity_bytes: 10\n"))
	if err == nil {
		t.Fatalf("expected capacity error")
	}
}

func TestNormalize_ClampsPerPlayerBudgets(t *testing.T) {
	tune := Defaults()
	tune.Sync.RegionsPerTick = 4
	tune.Replacement.PerTick = 8
	tune.Claims.ClaimableDimensions = []string{" overworld ", ""}
	tune.Normalize()
	if tune.Sync.RegionsPerTickPerPlayer != 4 || tune.Replacement.PerTaskPerTick != 8 {
		t.Fatalf("budgets not clamped: %+v %+v", tune.Sync, tune.Replacement)
	}
	if len(tune.Claims.ClaimableDimensions) != 1 || tune.Claims.ClaimableDimensions[0] != "overworld" {
		t.Fatalf("dimensions=%q", tune.Claims.ClaimableDimensions)
	}
}
