package artifact

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
	"github.com/4darsh-Dev/comfyui-serverless/internal/storage"
)

// Fetcher retrieves raw artifact bytes from the backend.
type Fetcher interface {
	FetchArtifact(ctx context.Context, desc domain.ArtifactDescriptor) ([]byte, error)
}

// Recorder observes conversion outcomes.
type Recorder interface {
	RecordArtifact(ctx context.Context, format string, converted bool)
}

// Options wires a Pipeline. Store and Uploader are optional.
type Options struct {
	Fetcher      Fetcher
	Store        *storage.FileStore
	Uploader     storage.Uploader
	UploadFolder string
	Recorder     Recorder
	Logger       *infra.Logger
}

// Pipeline turns artifact descriptors into delivered images.
type Pipeline struct {
	fetcher      Fetcher
	store        *storage.FileStore
	uploader     storage.Uploader
	uploadFolder string
	recorder     Recorder
	logger       *infra.Logger
}

// Request carries the per-render delivery settings.
type Request struct {
	Format   string
	Quality  int
	ShortID  string
	Persist  bool
	Encode   bool
	Metadata bool
	Upload   bool
}

// RequestFor derives delivery settings from a render request.
func RequestFor(req domain.RenderRequest, shortID string) Request {
	return Request{
		Format:   req.OutputFormat,
		Quality:  req.OutputQuality,
		ShortID:  shortID,
		Persist:  req.PersistToDisk,
		Encode:   req.ReturnEncoded,
		Metadata: req.ReturnMetadata,
		Upload:   true,
	}
}

func NewPipeline(opts Options) *Pipeline {
	return &Pipeline{
		fetcher:      opts.Fetcher,
		store:        opts.Store,
		uploader:     opts.Uploader,
		uploadFolder: opts.UploadFolder,
		recorder:     opts.Recorder,
		logger:       infra.LoggerOrDiscard(opts.Logger),
	}
}

// Process fetches, converts and delivers one artifact. Only a failed fetch is
// an error; conversion, persistence and upload problems degrade the result.
func (p *Pipeline) Process(ctx context.Context, desc domain.ArtifactDescriptor, req Request) (*domain.ImageResult, []string, error) {
	raw, err := p.fetcher.FetchArtifact(ctx, desc)
	if err != nil {
		return nil, nil, fmt.Errorf("artifact: fetch %s: %w", desc.Filename, err)
	}

	logger := p.logger.With().Str("artifact", desc.Filename).Str("format", req.Format).Logger()
	conv := Convert(raw, req.Format, req.Quality)
	if p.recorder != nil {
		p.recorder.RecordArtifact(ctx, req.Format, conv.IsConverted)
	}

	var warnings []string
	ext := strings.ToLower(req.Format)
	if !conv.IsConverted {
		ext = conv.Extension()
		logger.Warn().Err(conv.Err).Msg("artifact: conversion skipped, delivering original bytes")
		warnings = append(warnings, fmt.Sprintf("%s: conversion to %s skipped: %v", desc.Filename, req.Format, conv.Err))
	}
	filename := OutputName(desc.Filename, req.ShortID, ext)
	result := &domain.ImageResult{Filename: filename}

	if req.Persist && p.store != nil {
		saved, err := p.store.Write(ctx, filename, conv.Data)
		if err != nil {
			logger.Error().Err(err).Msg("artifact: persist failed")
			warnings = append(warnings, fmt.Sprintf("%s: save failed: %v", filename, err))
		} else {
			result.SavedPath = saved
			logger.Debug().Str("path", saved).Msg("artifact: saved")
		}
	}

	if req.Upload && p.uploader != nil {
		result.Upload = p.upload(ctx, filename, conv)
		if !result.Upload.Success {
			logger.Error().Str("error", result.Upload.Error).Msg("artifact: upload failed")
			warnings = append(warnings, result.Upload.Error)
		}
	}

	if req.Encode {
		encoded := base64.StdEncoding.EncodeToString(conv.Data)
		result.Image = encoded
		result.ImageDataURL = "data:" + conv.ContentType() + ";base64," + encoded
	}

	if req.Metadata {
		format := conv.Format
		if conv.IsConverted {
			format = strings.ToUpper(req.Format)
		}
		result.Metadata = &domain.ImageMetadata{
			Width:     conv.Width,
			Height:    conv.Height,
			Format:    format,
			Mode:      conv.Mode,
			SizeBytes: conv.Size(),
			SizeMB:    math.Round(float64(conv.Size())/(1024*1024)*100) / 100,
			Quality:   req.Quality,
			Converted: conv.IsConverted,
		}
	}

	logger.Info().
		Str("filename", filename).
		Bool("converted", conv.IsConverted).
		Int("bytes", conv.Size()).
		Msg("artifact: processed")
	return result, warnings, nil
}

func (p *Pipeline) upload(ctx context.Context, filename string, conv Converted) *domain.UploadInfo {
	contentType := conv.ContentType()
	loc, err := p.uploader.Upload(ctx, storage.Object{
		Data:        conv.Data,
		Filename:    filename,
		ContentType: contentType,
		Folder:      p.uploadFolder,
	})
	if err != nil {
		uerr := &domain.UploadError{Filename: filename, Err: err}
		return &domain.UploadInfo{Success: false, ContentType: contentType, Error: uerr.Error()}
	}
	return &domain.UploadInfo{
		Success:     true,
		Bucket:      loc.Bucket,
		ObjectPath:  loc.ObjectPath,
		PublicURL:   loc.PublicURL,
		Method:      loc.Method,
		ContentType: contentType,
	}
}

// OutputName builds {stem}_{shortID}.{ext} from the backend's filename.
func OutputName(original, shortID, ext string) string {
	base := path.Base(strings.ReplaceAll(original, "\\", "/"))
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" || stem == "." || stem == "/" {
		stem = "image"
	}
	if shortID != "" {
		stem += "_" + shortID
	}
	if ext == "" {
		return stem
	}
	return stem + "." + ext
}
