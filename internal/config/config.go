// Package config defines the pipeline's configuration schema: tool
// paths, quality-mode tables, concurrency limits, sample-rate policy,
// and scene-slicer profiles. One fixed schema, no inheritance, per the
// "dynamic dispatch across profiles" design note.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level pipeline configuration.
type Config struct {
	Tools       ToolConfig       `json:"tools" yaml:"tools"`
	Concurrency ConcurrencyConfig `json:"concurrency" yaml:"concurrency"`
	Timeouts    TimeoutConfig    `json:"timeouts" yaml:"timeouts"`
	SampleRates SampleRateConfig `json:"sample_rates" yaml:"sample_rates"`
	Normalize   NormalizeConfig  `json:"normalize" yaml:"normalize"`
	Concat      ConcatConfig     `json:"concat" yaml:"concat"`
	BGM         BGMConfig        `json:"bgm" yaml:"bgm"`
	SceneSlicer SceneSlicerConfig `json:"scene_slicer" yaml:"scene_slicer"`
	Cover       CoverConfig      `json:"cover" yaml:"cover"`
	Subtitle    SubtitleConfig   `json:"subtitle" yaml:"subtitle"`
	Debug       DebugConfig      `json:"debug" yaml:"debug"`
}

// ToolConfig controls resolution of ffmpeg/ffprobe binaries (C1 Tool Locator).
type ToolConfig struct {
	BundledDir      string `json:"bundled_dir" yaml:"bundled_dir"`
	FFmpegOverride  string `json:"ffmpeg_override" yaml:"ffmpeg_override"`
	FFprobeOverride string `json:"ffprobe_override" yaml:"ffprobe_override"`
	// DevPathFallback allows PATH search when FFMPEG_DEV_FALLBACK=1.
	DevPathFallback bool `json:"dev_path_fallback" yaml:"dev_path_fallback" default:"false"`
}

// ConcurrencyConfig controls the Job Orchestrator's worker pool (C15).
type ConcurrencyConfig struct {
	Workers int `json:"workers" yaml:"workers" default:"4"`
}

// TimeoutConfig sets per-subprocess ceilings (spec.md §5).
type TimeoutConfig struct {
	FFprobe         time.Duration `json:"ffprobe" yaml:"ffprobe" default:"10s"`
	NormalizeFFmpeg time.Duration `json:"normalize_ffmpeg" yaml:"normalize_ffmpeg" default:"1h"`
	SeparationFFmpeg time.Duration `json:"separation_ffmpeg" yaml:"separation_ffmpeg" default:"2h"`
	CancelGrace     time.Duration `json:"cancel_grace" yaml:"cancel_grace" default:"5s"`
}

// SampleRateConfig documents and enforces the 44.1kHz/48kHz boundary
// decided in SPEC_FULL.md §12: Normalizer mezzanine output uses 48kHz,
// composition stages (concat, beat mix, BGM replace) re-extract audio
// at 44.1kHz. Both are real, neither is a bug.
type SampleRateConfig struct {
	NormalizeHz   int `json:"normalize_hz" yaml:"normalize_hz" default:"48000"`
	CompositionHz int `json:"composition_hz" yaml:"composition_hz" default:"44100"`
}

// QualityParams is one row of an encoder quality-mode table.
type QualityParams struct {
	X264CRF     int    `json:"x264_crf" yaml:"x264_crf"`
	X264Preset  string `json:"x264_preset" yaml:"x264_preset"`
	NVENCCQ     int    `json:"nvenc_cq" yaml:"nvenc_cq"`
	NVENCPreset string `json:"nvenc_preset" yaml:"nvenc_preset"`
	AudioBitrate string `json:"audio_bitrate" yaml:"audio_bitrate"`
}

// NormalizeConfig holds C6's quality-mode table (spec.md §4.5).
type NormalizeConfig struct {
	FPS     int                      `json:"fps" yaml:"fps" default:"25"`
	Modes   map[string]QualityParams `json:"modes" yaml:"modes"`
	// BitrateCeilings maps a resolution-class label to (maxrate, bufsize) in bits/s.
	BitrateCeilings map[string][2]int `json:"bitrate_ceilings" yaml:"bitrate_ceilings"`
}

// ConcatQualityParams is one row of the concatenator's quality table
// (spec.md §4.6), a distinct tuple shape from NormalizeConfig's.
type ConcatQualityParams struct {
	NVENCCQ      int    `json:"nvenc_cq" yaml:"nvenc_cq"`
	X264CRF      int    `json:"x264_crf" yaml:"x264_crf"`
	AudioBitrate string `json:"audio_bitrate" yaml:"audio_bitrate"`
}

// ConcatConfig holds C8's quality table.
type ConcatConfig struct {
	Modes map[string]ConcatQualityParams `json:"modes" yaml:"modes"`
}

// GainTableRow is one row of the BGM Replacer's adaptive gain table (spec.md §4.11).
type GainTableRow struct {
	VocalRMSAbove float64 `json:"vocal_rms_above" yaml:"vocal_rms_above"`
	VocalGain     float64 `json:"vocal_gain" yaml:"vocal_gain"`
	BGMGain       float64 `json:"bgm_gain" yaml:"bgm_gain"`
	TotalGain     float64 `json:"total_gain" yaml:"total_gain"`
}

// BGMConfig holds C14's gain table, ordered highest-threshold first.
type BGMConfig struct {
	GainTable []GainTableRow `json:"gain_table" yaml:"gain_table"`
}

// SceneProfile is one named parameter bundle for the Scene Slicer (C11).
type SceneProfile struct {
	Name           string   `json:"name" yaml:"name"`
	PreRoll        float64  `json:"pre_roll" yaml:"pre_roll"`
	PostRoll       float64  `json:"post_roll" yaml:"post_roll"`
	MinDuration    float64  `json:"min_dur" yaml:"min_dur"`
	MaxHardLimit   float64  `json:"max_hard" yaml:"max_hard"`
	MinHits        int      `json:"min_hits" yaml:"min_hits"`
	HighKeywords   []string `json:"high_keywords" yaml:"high_keywords"`
	MidKeywords    []string `json:"mid_keywords" yaml:"mid_keywords"`
	VisualKeywords []string `json:"visual_keywords" yaml:"visual_keywords"`
	// MaxOutputDuration applies per-cluster; jumpcut profile only. Kept
	// distinct from MaxHardLimit per SPEC_FULL.md §12.
	MaxOutputDuration float64 `json:"max_output_duration" yaml:"max_output_duration"`
	MaxClusterGap     float64 `json:"max_cluster_gap" yaml:"max_cluster_gap"`
}

// SceneSlicerConfig holds the profile table (spec.md §4.8, §9).
type SceneSlicerConfig struct {
	Profiles map[string]SceneProfile `json:"profiles" yaml:"profiles"`
}

// DebugConfig controls diagnostic capture (internal/diagnostics).
type DebugConfig struct {
	EnableFFmpegDebugLog bool `json:"enable_ffmpeg_debug_log" yaml:"enable_ffmpeg_debug_log" default:"false"`
}

// CoverConfig holds the Cover Stitcher's (C13) seam-blend and
// active-rectangle defaults.
type CoverConfig struct {
	BlendWidth  int     `json:"blend_width" yaml:"blend_width" default:"150"`
	PaddingPct  float64 `json:"padding_pct" yaml:"padding_pct" default:"0.05"`
	ImageCount  int     `json:"image_count" yaml:"image_count" default:"3"`
}

// SubtitleStyle holds the Subtitle Renderer's (C16) ASS style fields
// (hex colors, not yet converted to ASS's &HBBGGRR& form).
type SubtitleStyle struct {
	FontName          string  `json:"font_name" yaml:"font_name" default:"Microsoft YaHei"`
	PrimaryColor      string  `json:"primary_color" yaml:"primary_color" default:"#FFFFFF"`
	OutlineColor      string  `json:"outline_color" yaml:"outline_color" default:"#000000"`
	BackColor         string  `json:"back_color" yaml:"back_color" default:"#000000"`
	HighlightColor    string  `json:"highlight_color" yaml:"highlight_color" default:"#FFE400"`
	Outline           int     `json:"outline" yaml:"outline" default:"2"`
	Shadow            int     `json:"shadow" yaml:"shadow" default:"0"`
	Alignment         int     `json:"alignment" yaml:"alignment" default:"2"`
	MarginV           int     `json:"margin_v" yaml:"margin_v" default:"30"`
	Encoding          int     `json:"encoding" yaml:"encoding" default:"1"`
	Bold              bool    `json:"bold" yaml:"bold" default:"true"`
	ReservedLRPercent float64 `json:"reserved_lr_percent" yaml:"reserved_lr_percent" default:"0.05"`
	PosYPercent       float64 `json:"pos_y_percent" yaml:"pos_y_percent" default:"0.92"`
	MaxCharsPerLine   int     `json:"max_chars_per_line" yaml:"max_chars_per_line" default:"14"`
}

// SubtitleConfig holds C16's style defaults and burn-in quality.
type SubtitleConfig struct {
	Style SubtitleStyle `json:"style" yaml:"style"`
	CRF   int            `json:"crf" yaml:"crf" default:"23"`
}

// Default returns a configuration with every table populated from
// spec.md's literal values.
func Default() *Config {
	return &Config{
		Tools: ToolConfig{
			DevPathFallback: os.Getenv("FFMPEG_DEV_FALLBACK") == "1",
		},
		Concurrency: ConcurrencyConfig{Workers: 4},
		Timeouts: TimeoutConfig{
			FFprobe:          10 * time.Second,
			NormalizeFFmpeg:  time.Hour,
			SeparationFFmpeg: 2 * time.Hour,
			CancelGrace:      5 * time.Second,
		},
		SampleRates: SampleRateConfig{NormalizeHz: 48000, CompositionHz: 44100},
		Normalize: NormalizeConfig{
			FPS: 25,
			Modes: map[string]QualityParams{
				"lossless": {X264CRF: 20, X264Preset: "slow", NVENCCQ: 19, NVENCPreset: "p7", AudioBitrate: "192k"},
				"release":  {X264CRF: 24, X264Preset: "slower", NVENCCQ: 27, NVENCPreset: "p6", AudioBitrate: "128k"},
				"preview":  {X264CRF: 28, X264Preset: "fast", NVENCCQ: 30, NVENCPreset: "p3", AudioBitrate: "96k"},
			},
			BitrateCeilings: map[string][2]int{
				"4k": {12_000_000, 24_000_000},
				"2k": {10_000_000, 20_000_000},
				"sd": {3_000_000, 6_000_000},
			},
		},
		Concat: ConcatConfig{
			Modes: map[string]ConcatQualityParams{
				"balanced": {NVENCCQ: 27, X264CRF: 22, AudioBitrate: "128k"},
				"compact":  {NVENCCQ: 29, X264CRF: 24, AudioBitrate: "96k"},
				"tiny":     {NVENCCQ: 31, X264CRF: 26, AudioBitrate: "80k"},
			},
		},
		BGM: BGMConfig{
			GainTable: []GainTableRow{
				{VocalRMSAbove: 0.15, VocalGain: 1.4, BGMGain: 0.12, TotalGain: 0.75},
				{VocalRMSAbove: 0.08, VocalGain: 1.3, BGMGain: 0.18, TotalGain: 0.80},
				{VocalRMSAbove: 0.03, VocalGain: 1.5, BGMGain: 0.25, TotalGain: 0.80},
				{VocalRMSAbove: -1, VocalGain: 1.6, BGMGain: 0.35, TotalGain: 0.85},
			},
		},
		SceneSlicer: SceneSlicerConfig{
			Profiles: map[string]SceneProfile{
				"ecommerce":     {Name: "ecommerce", PreRoll: 3.0, PostRoll: 5.0, MinDuration: 5.0, MaxHardLimit: 60.0, MinHits: 2},
				"game":          {Name: "game", PreRoll: 8.0, PostRoll: 5.0, MinDuration: 5.0, MaxHardLimit: 60.0, MinHits: 1},
				"entertainment": {Name: "entertainment", PreRoll: 5.0, PostRoll: 10.0, MinDuration: 10.0, MaxHardLimit: 60.0, MinHits: 1},
				"jumpcut":       {Name: "jumpcut", MaxOutputDuration: 45.0, MaxClusterGap: 2.0, MaxHardLimit: 60.0},
			},
		},
		Cover: CoverConfig{BlendWidth: 150, PaddingPct: 0.05, ImageCount: 3},
		Subtitle: SubtitleConfig{
			Style: SubtitleStyle{
				FontName: "Microsoft YaHei", PrimaryColor: "#FFFFFF", OutlineColor: "#000000",
				BackColor: "#000000", HighlightColor: "#FFE400", Outline: 2, Shadow: 0,
				Alignment: 2, MarginV: 30, Encoding: 1, Bold: true,
				ReservedLRPercent: 0.05, PosYPercent: 0.92, MaxCharsPerLine: 14,
			},
			CRF: 23,
		},
		Debug: DebugConfig{EnableFFmpegDebugLog: os.Getenv("FFMPEG_DEBUG") == "true"},
	}
}

// LoadSceneProfiles overlays the scene-profile table from a YAML file,
// leaving any profile not present in the file untouched.
func (c *Config) LoadSceneProfiles(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scene profiles: %w", err)
	}
	var overlay struct {
		Profiles map[string]SceneProfile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse scene profiles: %w", err)
	}
	if c.SceneSlicer.Profiles == nil {
		c.SceneSlicer.Profiles = map[string]SceneProfile{}
	}
	for name, p := range overlay.Profiles {
		c.SceneSlicer.Profiles[name] = p
	}
	return nil
}

// ValidationError reports a single out-of-range configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in field %q: %s", e.Field, e.Message)
}

// Validate checks invariants that downstream components rely on without
// re-checking themselves.
func (c *Config) Validate() error {
	if c.Concurrency.Workers < 1 {
		return &ValidationError{Field: "concurrency.workers", Message: "must be >= 1"}
	}
	if c.SampleRates.NormalizeHz <= 0 || c.SampleRates.CompositionHz <= 0 {
		return &ValidationError{Field: "sample_rates", Message: "must be positive"}
	}
	if c.Normalize.FPS <= 0 {
		return &ValidationError{Field: "normalize.fps", Message: "must be positive"}
	}
	for name, m := range c.Normalize.Modes {
		if m.X264CRF < 0 || m.X264CRF > 51 {
			return &ValidationError{Field: "normalize.modes." + name + ".x264_crf", Message: "must be within 0..51"}
		}
	}
	return nil
}
