package tuning

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"tileworld.ai/internal/sim/world/logic/mathx"
	"tileworld.ai/internal/sim/world/terrain/gen"
	"tileworld.ai/internal/sim/world/terrain/macro"
)

var ErrInvalid = errors.New("invalid tuning")

//go:embed tuning.schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

type Tuning struct {
	Seed  uint64 `yaml:"seed" json:"seed"`
	MapID int64  `yaml:"map_id" json:"map_id"`

	MacroDims      []int   `yaml:"macro_dims" json:"macro_dims"`
	SmoothingIters int     `yaml:"smoothing_iters" json:"smoothing_iters"`
	Walks          int     `yaml:"walks" json:"walks"`
	WalkBias       float64 `yaml:"walk_bias" json:"walk_bias"`

	NoiseFreq            float64 `yaml:"noise_freq" json:"noise_freq"`
	NoiseAmp             float64 `yaml:"noise_amp" json:"noise_amp"`
	WallDensityThreshold float64 `yaml:"wall_density_threshold" json:"wall_density_threshold"`

	ChunkLoaderRadius int     `yaml:"chunk_loader_radius" json:"chunk_loader_radius"`
	PreloadRing       int     `yaml:"preload_ring" json:"preload_ring"`
	RevealRadius      int     `yaml:"reveal_radius" json:"reveal_radius"`
	TickRateHz        int     `yaml:"tick_rate_hz" json:"tick_rate_hz"`
	LoadBudgetMs      float64 `yaml:"load_budget_ms" json:"load_budget_ms"`
	Workers           int     `yaml:"workers" json:"workers"`
	MaxLoadsPerSecond float64 `yaml:"max_loads_per_second" json:"max_loads_per_second"`
}

func Defaults() Tuning {
	mp := macro.DefaultParams()
	gp := gen.DefaultParams()
	return Tuning{
		Seed:                 1337,
		MapID:                1,
		MacroDims:            []int{mp.W, mp.H},
		SmoothingIters:       mp.SmoothIters,
		Walks:                mp.Walks,
		WalkBias:             mp.WalkBias,
		NoiseFreq:            gp.NoiseFreq,
		NoiseAmp:             gp.NoiseAmp,
		WallDensityThreshold: gp.Threshold,
		ChunkLoaderRadius:    2,
		PreloadRing:          1,
		RevealRadius:         12,
		TickRateHz:           20,
		LoadBudgetMs:         4,
		Workers:              4,
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	return Parse(raw)
}

// Parse checks raw YAML against the embedded schema, then overlays it on the
// defaults.
func Parse(raw []byte) (Tuning, error) {
	t := Defaults()
	if err := validateSchema(raw); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("tuning.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	// Round-trip through JSON so numbers reach the validator as float64.
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Normalize fills zero values and clamps out-of-range knobs.
func (t *Tuning) Normalize() {
	d := Defaults()
	if len(t.MacroDims) != 2 {
		t.MacroDims = d.MacroDims
	}
	if t.SmoothingIters < 0 {
		t.SmoothingIters = 0
	}
	if t.Walks <= 0 {
		t.Walks = d.Walks
	}
	if t.WalkBias <= 0 || t.WalkBias > 1 {
		t.WalkBias = d.WalkBias
	}
	if t.NoiseFreq <= 0 {
		t.NoiseFreq = d.NoiseFreq
	}
	if t.NoiseAmp < 0 {
		t.NoiseAmp = 0
	}
	if t.WallDensityThreshold <= 0 || t.WallDensityThreshold >= 1 {
		t.WallDensityThreshold = d.WallDensityThreshold
	}
	if t.ChunkLoaderRadius < 0 {
		t.ChunkLoaderRadius = 0
	}
	t.PreloadRing = mathx.ClampInt(t.PreloadRing, 0, t.ChunkLoaderRadius)
	if t.RevealRadius < 0 {
		t.RevealRadius = 0
	}
	if t.TickRateHz <= 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.LoadBudgetMs <= 0 {
		t.LoadBudgetMs = d.LoadBudgetMs
	}
	if t.Workers < 0 {
		t.Workers = 0
	}
	if t.MaxLoadsPerSecond < 0 {
		t.MaxLoadsPerSecond = 0
	}
}

func (t Tuning) Validate() error {
	if len(t.MacroDims) != 2 {
		return fmt.Errorf("%w: macro_dims must be [W, H]", ErrInvalid)
	}
	if t.MacroDims[0] < 8 || t.MacroDims[1] < 8 {
		return fmt.Errorf("%w: macro_dims must be at least 8x8, got %v", ErrInvalid, t.MacroDims)
	}
	if t.MacroDims[0] > 1024 || t.MacroDims[1] > 1024 {
		return fmt.Errorf("%w: macro_dims too large: %v", ErrInvalid, t.MacroDims)
	}
	if t.ChunkLoaderRadius > 16 {
		return fmt.Errorf("%w: chunk_loader_radius too large: %d", ErrInvalid, t.ChunkLoaderRadius)
	}
	return nil
}

func (t Tuning) MacroParams() macro.Params {
	p := macro.DefaultParams()
	p.W, p.H = t.MacroDims[0], t.MacroDims[1]
	p.SmoothIters = t.SmoothingIters
	p.Walks = t.Walks
	p.WalkBias = t.WalkBias
	return p
}

func (t Tuning) GenParams() gen.Params {
	return gen.Params{
		Threshold: t.WallDensityThreshold,
		NoiseFreq: t.NoiseFreq,
		NoiseAmp:  t.NoiseAmp,
	}
}

func (t Tuning) LoadBudget() time.Duration {
	return time.Duration(t.LoadBudgetMs * float64(time.Millisecond))
}

func (t Tuning) TickInterval() time.Duration {
	return time.Second / time.Duration(t.TickRateHz)
}
