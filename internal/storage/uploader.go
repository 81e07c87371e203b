package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
)

// Upload methods reported in Location.Method.
const (
	MethodFilesystem = "filesystem"
	MethodSupabase   = "supabase"
)

// DefaultFolder is the object prefix used when none is configured.
const DefaultFolder = "avatars"

// Object is one payload handed to an Uploader.
type Object struct {
	Data        []byte
	Filename    string
	ContentType string
	Folder      string
}

// Location describes where an uploaded object ended up.
type Location struct {
	Bucket     string
	ObjectPath string
	PublicURL  string
	Method     string
}

// Uploader publishes artifacts to a remote store.
type Uploader interface {
	Upload(ctx context.Context, obj Object) (*Location, error)
}

const safeNameChars = "-_.()abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// SafeName replaces every character outside [-_.()A-Za-z0-9] with an
// underscore. An empty name becomes a random uuid.
func SafeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(safeNameChars, r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return uuid.NewString()
	}
	return b.String()
}

// ContentTypeFor guesses an image content type from the filename extension.
func ContentTypeFor(filename string) string {
	ext := ""
	if i := strings.LastIndexByte(filename, '.'); i >= 0 {
		ext = strings.ToLower(filename[i+1:])
	}
	switch ext {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

// ObjectPath builds a collision-free object path: {folder}/{uuid}_{safeName}.
func ObjectPath(folder, filename string) string {
	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "" {
		folder = DefaultFolder
	}
	return path.Join(folder, uuid.NewString()+"_"+SafeName(filename))
}

func prepare(obj Object) (objectPath, contentType string, err error) {
	if len(obj.Data) == 0 {
		return "", "", errors.New("storage: refusing to upload empty object")
	}
	contentType = obj.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(obj.Filename)
	}
	return ObjectPath(obj.Folder, obj.Filename), contentType, nil
}

// FileUploader "uploads" into a FileStore and reports URLs under a public
// base URL. Used when no remote store is configured.
type FileUploader struct {
	store   *FileStore
	baseURL string
}

func NewFileUploader(store *FileStore, baseURL string) *FileUploader {
	return &FileUploader{store: store, baseURL: strings.TrimRight(baseURL, "/")}
}

func (u *FileUploader) Upload(ctx context.Context, obj Object) (*Location, error) {
	objectPath, _, err := prepare(obj)
	if err != nil {
		return nil, err
	}
	if _, err := u.store.Write(ctx, objectPath, obj.Data); err != nil {
		return nil, err
	}
	loc := &Location{ObjectPath: objectPath, Method: MethodFilesystem}
	if u.baseURL != "" {
		loc.PublicURL = u.baseURL + "/" + objectPath
	}
	return loc, nil
}

// HTTPOptions configures an HTTPUploader.
type HTTPOptions struct {
	BaseURL    string
	Bucket     string
	Key        string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// HTTPUploader writes objects through a Supabase-compatible storage REST API.
// Consecutive failures trip a circuit breaker so a dead store does not add its
// timeout to every render.
type HTTPUploader struct {
	baseURL    string
	bucket     string
	key        string
	httpClient *http.Client
	logger     *infra.Logger
	breaker    *gobreaker.CircuitBreaker
}

func NewHTTPUploader(opts HTTPOptions) (*HTTPUploader, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("storage: upload base URL is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("storage: upload bucket is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := infra.LoggerOrDiscard(opts.Logger)
	settings := gobreaker.Settings{
		Name:        "storage-upload",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("storage: circuit breaker state changed")
		},
	}
	return &HTTPUploader{
		baseURL:    baseURL,
		bucket:     opts.Bucket,
		key:        strings.TrimSpace(opts.Key),
		httpClient: client,
		logger:     logger,
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// PublicURL returns the public address of an object in the bucket.
func (u *HTTPUploader) PublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", u.baseURL, u.bucket, objectPath)
}

func (u *HTTPUploader) Upload(ctx context.Context, obj Object) (*Location, error) {
	objectPath, contentType, err := prepare(obj)
	if err != nil {
		return nil, err
	}
	_, err = u.breaker.Execute(func() (interface{}, error) {
		return nil, u.put(ctx, objectPath, contentType, obj.Data)
	})
	if err != nil {
		return nil, err
	}
	u.logger.Info().Str("bucket", u.bucket).Str("object_path", objectPath).Int("bytes", len(obj.Data)).Msg("storage: object uploaded")
	return &Location{
		Bucket:     u.bucket,
		ObjectPath: objectPath,
		PublicURL:  u.PublicURL(objectPath),
		Method:     MethodSupabase,
	}, nil
}

func (u *HTTPUploader) put(ctx context.Context, objectPath, contentType string, data []byte) error {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", u.baseURL, url.PathEscape(u.bucket), escapePath(objectPath))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("storage: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")
	if u.key != "" {
		req.Header.Set("Authorization", "Bearer "+u.key)
		req.Header.Set("apikey", u.key)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storage: upload request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("storage: upload returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
