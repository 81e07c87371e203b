package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// DefaultPositivePrompt is used when the request omits a positive prompt.
	DefaultPositivePrompt = "avachar, professional photo, high quality, detailed face, 8k uhd"
	// DefaultNegativePrompt is used when the request omits a negative prompt.
	DefaultNegativePrompt = "ugly, deformed, blurry, low quality, noise, watermark, text"
	// DefaultSteps is the sampler step count applied when none is provided.
	DefaultSteps = 25
	// DefaultCFGScale balances prompt adherence against creativity.
	DefaultCFGScale = 7.5
	// DefaultWidth and DefaultHeight describe the latent canvas size.
	DefaultWidth  = 1024
	DefaultHeight = 1024
	// RandomSeed asks the workflow engine to choose a seed.
	RandomSeed int64 = -1
	// DefaultStrength is applied to both LoRA channels.
	DefaultStrength = 0.85
	// DefaultOutputFormat is the artifact format returned to callers.
	DefaultOutputFormat = FormatJPG
	// DefaultOutputQuality is the encoder quality used when none is provided.
	DefaultOutputQuality = 95

	MinOutputQuality = 1
	MaxOutputQuality = 100
)

// Supported output formats.
const (
	FormatJPG  = "jpg"
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"
)

// RenderRequest is the caller-facing description of one render.
type RenderRequest struct {
	PositivePrompt string  `json:"positive_prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Seed           int64   `json:"seed"`
	Strength       float64 `json:"lora_strength"`
	OutputFormat   string  `json:"output_format"`
	OutputQuality  int     `json:"output_quality"`
	ReturnEncoded  bool    `json:"return_base64"`
	ReturnMetadata bool    `json:"return_metadata"`
	PersistToDisk  bool    `json:"save_to_disk"`
}

// NewRenderRequest returns a request populated with server defaults.
func NewRenderRequest() RenderRequest {
	return RenderRequest{
		PositivePrompt: DefaultPositivePrompt,
		NegativePrompt: DefaultNegativePrompt,
		Steps:          DefaultSteps,
		CFGScale:       DefaultCFGScale,
		Width:          DefaultWidth,
		Height:         DefaultHeight,
		Seed:           RandomSeed,
		Strength:       DefaultStrength,
		OutputFormat:   DefaultOutputFormat,
		OutputQuality:  DefaultOutputQuality,
		ReturnEncoded:  true,
		ReturnMetadata: true,
		PersistToDisk:  true,
	}
}

// UnmarshalJSON decodes a request on top of the server defaults, so omitted
// fields keep their default values. The legacy "save_to_dsk" key is honoured
// when "save_to_disk" is absent.
func (r *RenderRequest) UnmarshalJSON(data []byte) error {
	type plain RenderRequest
	decoded := plain(NewRenderRequest())
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	var legacy struct {
		SaveToDisk *bool `json:"save_to_disk"`
		SaveToDsk  *bool `json:"save_to_dsk"`
	}
	if err := json.Unmarshal(data, &legacy); err == nil && legacy.SaveToDisk == nil && legacy.SaveToDsk != nil {
		decoded.PersistToDisk = *legacy.SaveToDsk
	}
	*r = RenderRequest(decoded)
	return nil
}

// Normalize canonicalizes free-form fields without changing their meaning.
func (r *RenderRequest) Normalize() {
	if r == nil {
		return
	}
	r.OutputFormat = strings.ToLower(strings.TrimSpace(r.OutputFormat))
	if r.OutputFormat == "" {
		r.OutputFormat = DefaultOutputFormat
	}
}

// Validate checks the request before any backend interaction.
func (r RenderRequest) Validate() error {
	format := strings.ToLower(strings.TrimSpace(r.OutputFormat))
	if !IsSupportedFormat(format) {
		return &ValidationError{
			Field:   "output_format",
			Message: fmt.Sprintf("invalid output_format: %s. Use 'jpg', 'png', or 'webp'", r.OutputFormat),
		}
	}
	if r.OutputQuality < MinOutputQuality || r.OutputQuality > MaxOutputQuality {
		return &ValidationError{
			Field:   "output_quality",
			Message: fmt.Sprintf("invalid output_quality: %d. Use %d-%d", r.OutputQuality, MinOutputQuality, MaxOutputQuality),
		}
	}
	if r.Steps <= 0 {
		return &ValidationError{Field: "steps", Message: "steps must be positive"}
	}
	if r.Width <= 0 || r.Height <= 0 {
		return &ValidationError{Field: "width", Message: fmt.Sprintf("invalid resolution %dx%d", r.Width, r.Height)}
	}
	return nil
}

// IsSupportedFormat reports whether format is one of the accepted outputs.
func IsSupportedFormat(format string) bool {
	switch format {
	case FormatJPG, FormatJPEG, FormatPNG, FormatWebP:
		return true
	default:
		return false
	}
}

// ArtifactDescriptor identifies a raw output held by the backend.
type ArtifactDescriptor struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Kind      string `json:"type"`
}
