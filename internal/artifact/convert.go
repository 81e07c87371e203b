// Package artifact converts raw backend outputs into the requested delivery
// format and fans them out to disk, upload and inline transport.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"

	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
	"github.com/pixiv/go-libjpeg/jpeg"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
)

// webpMethod is the libwebp effort setting; 6 is the slowest and smallest.
const webpMethod = 6

// Converted is the result of Convert. When IsConverted is false Data holds
// the original bytes and Err the reason conversion was skipped.
type Converted struct {
	Data   []byte
	Format string
	Width  int
	Height int
	Mode   string

	IsConverted      bool
	CompressionLevel int
	Err              error
}

// Size is the encoded size in bytes.
func (c Converted) Size() int { return len(c.Data) }

// Extension is the file extension matching the bytes actually held.
func (c Converted) Extension() string {
	switch c.Format {
	case "JPEG":
		return domain.FormatJPG
	case "PNG":
		return domain.FormatPNG
	case "WEBP":
		return domain.FormatWebP
	case "":
		return "bin"
	default:
		return strings.ToLower(c.Format)
	}
}

// ContentType is the MIME type of the held bytes.
func (c Converted) ContentType() string {
	switch c.Format {
	case "JPEG":
		return "image/jpeg"
	case "":
		return "application/octet-stream"
	default:
		return "image/" + strings.ToLower(c.Format)
	}
}

// PNGCompressionLevel maps an output quality onto zlib levels: high quality
// means little compression. The result is clamped to 0..9.
func PNGCompressionLevel(quality int) int {
	level := (100 - quality) / 11
	if level < 0 {
		return 0
	}
	if level > 9 {
		return 9
	}
	return level
}

// pngEncoderLevel picks the stdlib preset closest to a zlib level.
func pngEncoderLevel(level int) png.CompressionLevel {
	switch {
	case level <= 0:
		return png.NoCompression
	case level <= 3:
		return png.BestSpeed
	case level <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

func clampQuality(q int) int {
	if q < domain.MinOutputQuality {
		return domain.MinOutputQuality
	}
	if q > domain.MaxOutputQuality {
		return domain.MaxOutputQuality
	}
	return q
}

// Convert re-encodes raw into format. It never fails: undecodable input or an
// encoder error yields the original bytes with IsConverted false.
func Convert(raw []byte, format string, quality int) Converted {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return passthrough(raw, fmt.Errorf("artifact: decode: %w", err))
	}
	quality = clampQuality(quality)

	var buf bytes.Buffer
	var encErr error
	out := Converted{IsConverted: true}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case domain.FormatJPG, domain.FormatJPEG:
		encErr = jpeg.Encode(&buf, flattenOnWhite(src), &jpeg.EncoderOptions{
			Quality:         quality,
			OptimizeCoding:  true,
			ProgressiveMode: true,
		})
	case domain.FormatWebP:
		opts, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, float32(quality))
		if err != nil {
			encErr = err
			break
		}
		opts.Method = webpMethod
		encErr = webp.Encode(&buf, toNRGBA(src), opts)
	default:
		out.CompressionLevel = PNGCompressionLevel(quality)
		enc := png.Encoder{CompressionLevel: pngEncoderLevel(out.CompressionLevel)}
		encErr = enc.Encode(&buf, src)
	}
	if encErr != nil {
		return passthrough(raw, fmt.Errorf("artifact: encode %s: %w", format, encErr))
	}

	out.Data = buf.Bytes()
	info, err := Inspect(out.Data)
	if err != nil {
		return passthrough(raw, fmt.Errorf("artifact: inspect converted: %w", err))
	}
	out.Format, out.Width, out.Height, out.Mode = info.Format, info.Width, info.Height, info.Mode
	return out
}

func passthrough(raw []byte, reason error) Converted {
	out := Converted{Data: raw, Err: reason}
	if info, err := Inspect(raw); err == nil {
		out.Format, out.Width, out.Height, out.Mode = info.Format, info.Width, info.Height, info.Mode
	}
	return out
}

// flattenOnWhite composites src over an opaque white canvas. Opaque sources
// come back unchanged in RGBA layout.
func flattenOnWhite(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

func toNRGBA(src image.Image) *image.NRGBA {
	if n, ok := src.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// Info is what Inspect learns from encoded bytes.
type Info struct {
	Format string
	Width  int
	Height int
	Mode   string
}

var errEmpty = errors.New("artifact: empty image data")

// Inspect decodes data and reports its format (upper case), dimensions and
// color mode.
func Inspect(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, errEmpty
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Info{}, err
	}
	b := img.Bounds()
	return Info{
		Format: strings.ToUpper(format),
		Width:  b.Dx(),
		Height: b.Dy(),
		Mode:   colorMode(img),
	}, nil
}

// colorMode names the pixel layout of a decoded image.
func colorMode(img image.Image) string {
	switch img.(type) {
	case *image.YCbCr, *image.RGBA, *image.RGBA64:
		return "RGB"
	case *image.NRGBA, *image.NRGBA64, *image.NYCbCrA:
		return "RGBA"
	case *image.Gray, *image.Gray16:
		return "L"
	case *image.Paletted:
		return "P"
	case *image.CMYK:
		return "CMYK"
	default:
		return "RGB"
	}
}
