package workflow

// Sampler settings applied to sampler nodes exposing the matching inputs.
const (
	DefaultSamplerName = "dpmpp_2m_sde"
	DefaultScheduler   = "karras"
)

// DefaultGraph returns a fresh copy of the builtin SDXL + LoRA graph used when
// no usable template is stored.
func DefaultGraph() Graph {
	link := func(id string, slot int) []any { return []any{id, slot} }
	return Graph{
		"3": {
			Kind: KindSampler,
			Inputs: map[string]any{
				"seed":         0,
				"steps":        25,
				"cfg":          7.5,
				"sampler_name": DefaultSamplerName,
				"scheduler":    DefaultScheduler,
				"denoise":      1.0,
				"model":        link("10", 0),
				"positive":     link("6", 0),
				"negative":     link("7", 0),
				"latent_image": link("5", 0),
			},
		},
		"4": {
			Kind:   "VAELoader",
			Inputs: map[string]any{"vae_name": "sdxl_vae.safetensors"},
		},
		"5": {
			Kind:   KindLatent,
			Inputs: map[string]any{"width": 1024, "height": 1024, "batch_size": 1},
		},
		"6": {
			Kind: KindTextEncode,
			Inputs: map[string]any{
				"text": "avachar, professional photo, high quality, detailed face, sharp focus, 8k uhd, dslr, studio lighting",
				"clip": link("10", 1),
			},
			Meta: map[string]any{"title": "CLIP Text Encode (Positive)", "role": string(RolePositive)},
		},
		"7": {
			Kind: KindTextEncode,
			Inputs: map[string]any{
				"text": "ugly, deformed, blurry, low quality, noise, watermark, text, oversaturated, bad anatomy, disfigured",
				"clip": link("10", 1),
			},
			Meta: map[string]any{"title": "CLIP Text Encode (Negative)", "role": string(RoleNegative)},
		},
		"8": {
			Kind:   "VAEDecode",
			Inputs: map[string]any{"samples": link("3", 0), "vae": link("4", 0)},
		},
		"9": {
			Kind:   "SaveImage",
			Inputs: map[string]any{"filename_prefix": "avatar", "images": link("8", 0)},
		},
		"10": {
			Kind: KindLora,
			Inputs: map[string]any{
				"lora_name":      "avatar_lora.safetensors",
				"strength_model": 0.85,
				"strength_clip":  0.85,
				"model":          link("11", 0),
				"clip":           link("11", 1),
			},
		},
		"11": {
			Kind:   "CheckpointLoaderSimple",
			Inputs: map[string]any{"ckpt_name": "sd_xl_base_1.0.safetensors"},
		},
	}
}
