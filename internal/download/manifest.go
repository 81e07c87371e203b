package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Item is one file the backend needs.
type Item struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	Path        string `yaml:"path"`
	Description string `yaml:"description"`
}

// Manifest lists files relative to the backend root.
type Manifest struct {
	Items []Item `yaml:"items"`
}

// DefaultManifest is the SDXL avatar stack: base checkpoint, VAE, three
// ControlNets, the avatar LoRA and the saved workflow template.
func DefaultManifest() Manifest {
	return Manifest{Items: []Item{
		{
			Name:        "sdxl_base",
			URL:         "https://huggingface.co/stabilityai/stable-diffusion-xl-base-1.0/resolve/main/sd_xl_base_1.0.safetensors",
			Path:        "models/checkpoints/sd_xl_base_1.0.safetensors",
			Description: "SDXL Base Model (6.9GB)",
		},
		{
			Name:        "sdxl_vae",
			URL:         "https://huggingface.co/stabilityai/sdxl-vae/resolve/main/sdxl_vae.safetensors",
			Path:        "models/vae/sdxl_vae.safetensors",
			Description: "SDXL VAE",
		},
		{
			Name:        "controlnet_openpose",
			URL:         "https://huggingface.co/thibaud/controlnet-openpose-sdxl-1.0/resolve/main/diffusion_pytorch_model.safetensors",
			Path:        "models/controlnet/controlnet-openpose-sdxl-1.0.safetensors",
			Description: "ControlNet OpenPose",
		},
		{
			Name:        "controlnet_canny",
			URL:         "https://huggingface.co/diffusers/controlnet-canny-sdxl-1.0/resolve/main/diffusion_pytorch_model.safetensors",
			Path:        "models/controlnet/controlnet-canny-sdxl-1.0.safetensors",
			Description: "ControlNet Canny",
		},
		{
			Name:        "controlnet_depth",
			URL:         "https://huggingface.co/diffusers/controlnet-depth-sdxl-1.0/resolve/main/diffusion_pytorch_model.safetensors",
			Path:        "models/controlnet/controlnet-depth-sdxl-1.0.safetensors",
			Description: "ControlNet Depth",
		},
		{
			Name:        "avatar_lora",
			URL:         "https://drive.google.com/uc?export=download&confirm=t&id=1rH5E5DxUx4AcSoL4sUC550oEsVG6xNDY",
			Path:        "models/loras/avatar_lora.safetensors",
			Description: "Avatar LoRA",
		},
		{
			Name:        "workflow",
			URL:         "https://iykcyciztwpljrqjwxza.supabase.co/storage/v1/object/public/payments/avatar_ai.json",
			Path:        "user/default/workflows/avatar_ai.json",
			Description: "Workflow JSON",
		},
	}}
}

// LoadManifest reads a YAML manifest. Items without a url or path are
// rejected.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("download: decode manifest: %w", err)
	}
	for i, item := range m.Items {
		if item.URL == "" || item.Path == "" {
			return Manifest{}, fmt.Errorf("download: manifest item %d (%s) needs url and path", i, item.Name)
		}
	}
	return m, nil
}

// Result is the per-item outcome of FetchAll.
type Result struct {
	Item    Item
	Dest    string
	Outcome Outcome
	Err     error
}

// Report summarizes FetchAll.
type Report struct {
	Results []Result
}

// Succeeded counts items present after the run.
func (r Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

// OK reports whether every item is present.
func (r Report) OK() bool {
	return r.Succeeded() == len(r.Results)
}

// FetchAll downloads every manifest item under root. Failures are reported per
// item and never stop the remaining downloads unless ctx is done.
func (f *Fetcher) FetchAll(ctx context.Context, root string, m Manifest) Report {
	report := Report{Results: make([]Result, 0, len(m.Items))}
	for _, item := range m.Items {
		dest := item.Path
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(root, filepath.FromSlash(item.Path))
		}
		res := Result{Item: item, Dest: dest}
		if err := ctx.Err(); err != nil {
			res.Err = err
		} else {
			res.Outcome, res.Err = f.Fetch(ctx, item.URL, dest)
		}
		report.Results = append(report.Results, res)
	}
	f.logger.Info().Int("succeeded", report.Succeeded()).Int("total", len(report.Results)).Msg("download: manifest processed")
	return report
}
