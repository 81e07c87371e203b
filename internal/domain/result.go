package domain

import (
	"errors"
)

const (
	ResultStatusSuccess = "success"
	ResultStatusError   = "error"
)

// RenderResult is the structured outcome of one render. Failures are reported
// through Error/ErrorKind rather than by panicking or returning bare errors.
type RenderResult struct {
	Status     string          `json:"status"`
	PromptID   string          `json:"prompt_id,omitempty"`
	Seed       int64           `json:"seed,omitempty"`
	Images     []ImageResult   `json:"images,omitempty"`
	SavedPaths []string        `json:"saved_paths,omitempty"`
	Settings   *RenderSettings `json:"settings,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Messages   []string        `json:"messages,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`

	Err error `json:"-"`
}

// Failed builds an error result for err.
func Failed(err error) *RenderResult {
	res := &RenderResult{Status: ResultStatusError, Err: err, ErrorKind: ErrorKind(err)}
	if err != nil {
		res.Error = err.Error()
	}
	var be *BackendError
	if errors.As(err, &be) {
		res.PromptID = be.PromptID
		res.Messages = append([]string(nil), be.Messages...)
	}
	return res
}

// OK reports whether the render succeeded.
func (r *RenderResult) OK() bool {
	return r != nil && r.Status == ResultStatusSuccess
}

// RenderSettings echoes the output settings used for a render.
type RenderSettings struct {
	Format      string `json:"format"`
	Quality     int    `json:"quality"`
	TotalImages int    `json:"total_images"`
}

// ImageResult describes one processed artifact.
type ImageResult struct {
	Filename     string         `json:"filename"`
	SavedPath    string         `json:"saved_path,omitempty"`
	Image        string         `json:"image,omitempty"`
	ImageDataURL string         `json:"image_data_url,omitempty"`
	Metadata     *ImageMetadata `json:"metadata,omitempty"`
	Upload       *UploadInfo    `json:"upload,omitempty"`
}

// ImageMetadata is returned when the caller asks for metadata.
type ImageMetadata struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Format    string  `json:"format"`
	Mode      string  `json:"mode"`
	SizeBytes int     `json:"size_bytes"`
	SizeMB    float64 `json:"size_mb"`
	Quality   int     `json:"quality"`
	Converted bool    `json:"converted"`
}

// UploadInfo mirrors the upload collaborator's location descriptor.
type UploadInfo struct {
	Success     bool   `json:"success"`
	Bucket      string `json:"bucket,omitempty"`
	ObjectPath  string `json:"object_path,omitempty"`
	PublicURL   string `json:"public_url,omitempty"`
	Method      string `json:"method,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Error       string `json:"error,omitempty"`
}
