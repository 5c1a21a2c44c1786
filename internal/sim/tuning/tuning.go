package tuning

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed claims.schema.json
var schemaJSON []byte

type Tuning struct {
	Sync        Sync        `yaml:"sync"`
	Replication Replication `yaml:"replication"`
	Claims      Claims      `yaml:"claims"`
	Replacement Replacement `yaml:"replacement"`
	World       World       `yaml:"world"`
}

type Sync struct {
	Mode                       string `yaml:"mode"`
	RegionsPerTick             int    `yaml:"regions_per_tick"`
	RegionsPerTickPerPlayer    int    `yaml:"regions_per_tick_per_player"`
	StatesPerPacket            int    `yaml:"states_per_packet"`
	PropertiesPerTickPerPlayer int    `yaml:"properties_per_tick_per_player"`
}

type Replication struct {
	BytesPerTick         int           `yaml:"bytes_per_tick"`
	CapacityBytes        int64         `yaml:"capacity_bytes"`
	SpeedUpAtOccupancy   float64       `yaml:"speed_up_at_occupancy"`
	BytesPerConfirmation int           `yaml:"bytes_per_confirmation"`
	ConfirmationTimeout  time.Duration `yaml:"confirmation_timeout"`
	CloggedAfter         time.Duration `yaml:"clogged_after"`
	ReviveCooldown       time.Duration `yaml:"revive_cooldown"`
}

type Claims struct {
	Disabled            bool     `yaml:"disabled"`
	MaxClaims           int      `yaml:"max_claims"`
	MaxForceloads       int      `yaml:"max_forceloads"`
	MaxClaimDistance    int      `yaml:"max_claim_distance"`
	MaxAreaRequest      int      `yaml:"max_area_request"`
	ClaimableDimensions []string `yaml:"claimable_dimensions"`
	// ExpirationHours is how long an owner may stay offline before their
	// claims expire; 0 disables expiry.
	ExpirationHours         int           `yaml:"expiration_hours"`
	ExpirationCheckInterval time.Duration `yaml:"expiration_check_interval"`
	ConvertExpired          bool          `yaml:"convert_expired"`
}

type Replacement struct {
	PerTick        int `yaml:"per_tick"`
	PerTaskPerTick int `yaml:"per_task_per_tick"`
}

type World struct {
	TickRateHz   int           `yaml:"tick_rate_hz"`
	SaveInterval time.Duration `yaml:"save_interval"`
}

func Defaults() Tuning {
	return Tuning{
		Sync: Sync{
			Mode:                       "all",
			RegionsPerTick:             1024,
			RegionsPerTickPerPlayer:    16,
			StatesPerPacket:            128,
			PropertiesPerTickPerPlayer: 64,
		},
		Replication: Replication{
			BytesPerTick:         65536,
			CapacityBytes:        64 << 20,
			SpeedUpAtOccupancy:   0.125,
			BytesPerConfirmation: 256 << 10,
			ConfirmationTimeout:  60 * time.Second,
			CloggedAfter:         time.Second,
			ReviveCooldown:       30 * time.Second,
		},
		Claims: Claims{
			MaxClaims:        500,
			MaxForceloads:    10,
			MaxClaimDistance: 5,
			MaxAreaRequest:   25,

			ExpirationHours:         8760,
			ExpirationCheckInterval: 6 * time.Hour,
			ConvertExpired:          true,
		},
		Replacement: Replacement{PerTick: 1024, PerTaskPerTick: 256},
		World:       World{TickRateHz: 20, SaveInterval: 30 * time.Second},
	}
}

// Load reads a claims.yaml. Keys missing from the file keep their defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	return Parse(raw)
}

// Parse is Load for an in-memory document.
func Parse(raw []byte) (Tuning, error) {
	t := Defaults()
	if err := validateSchema(raw); err != nil {
		return t, fmt.Errorf("claims.yaml: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("claims.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("claims.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Normalize() {
	t.Sync.Mode = strings.ToLower(strings.TrimSpace(t.Sync.Mode))
	if t.Sync.Mode == "" {
		t.Sync.Mode = "all"
	}
	dims := t.Claims.ClaimableDimensions[:0]
	for _, d := range t.Claims.ClaimableDimensions {
		if d = strings.TrimSpace(d); d != "" {
			dims = append(dims, d)
		}
	}
	t.Claims.ClaimableDimensions = dims
	if t.Sync.RegionsPerTickPerPlayer > t.Sync.RegionsPerTick {
		t.Sync.RegionsPerTickPerPlayer = t.Sync.RegionsPerTick
	}
	if t.Replacement.PerTaskPerTick > t.Replacement.PerTick {
		t.Replacement.PerTaskPerTick = t.Replacement.PerTick
	}
}

// Validate runs the checks the schema cannot express.
func (t Tuning) Validate() error {
	switch t.Sync.Mode {
	case "all", "owned_only", "disabled":
	default:
		return fmt.Errorf("sync.mode %q", t.Sync.Mode)
	}
	r := t.Replication
	if r.BytesPerTick <= 0 || r.CapacityBytes <= 0 || r.BytesPerConfirmation <= 0 {
		return fmt.Errorf("replication budgets must be positive")
	}
	if int64(r.BytesPerTick) > r.CapacityBytes {
		return fmt.Errorf("replication.bytes_per_tick %d exceeds capacity_bytes %d", r.BytesPerTick, r.CapacityBytes)
	}
	if r.SpeedUpAtOccupancy <= 0 || r.SpeedUpAtOccupancy > 1 {
		return fmt.Errorf("replication.speed_up_at_occupancy %v out of (0,1]", r.SpeedUpAtOccupancy)
	}
	if r.CloggedAfter <= 0 || r.ConfirmationTimeout <= r.CloggedAfter {
		return fmt.Errorf("replication.confirmation_timeout %s must exceed clogged_after %s", r.ConfirmationTimeout, r.CloggedAfter)
	}
	if r.ReviveCooldown < 0 {
		return fmt.Errorf("replication.revive_cooldown %s is negative", r.ReviveCooldown)
	}
	if t.Claims.ExpirationHours > 0 && t.Claims.ExpirationCheckInterval < time.Minute {
		return fmt.Errorf("claims.expiration_check_interval %s below 1m", t.Claims.ExpirationCheckInterval)
	}
	if t.Claims.MaxAreaRequest <= 0 {
		return fmt.Errorf("claims.max_area_request must be positive")
	}
	if t.World.TickRateHz <= 0 {
		return fmt.Errorf("world.tick_rate_hz must be positive")
	}
	if t.World.SaveInterval < time.Second {
		return fmt.Errorf("world.save_interval %s below 1s", t.World.SaveInterval)
	}
	return nil
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("claims.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("claims.schema.json")
	})
	return schema, schemaErr
}

// validateSchema checks the raw YAML document against the embedded schema.
// The document goes through JSON so the validator sees JSON value types.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return s.Validate(v)
}
