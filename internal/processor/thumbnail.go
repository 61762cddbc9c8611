package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // JPEG format support
	_ "image/png"  // PNG format support

	"github.com/disintegration/imaging"
	"github.com/genricoloni/nowplayd/internal/domain"
	"go.uber.org/zap"
)

const jpegQuality = 90

// Thumbnailer downscales artwork so its longest edge fits a configured size.
// Images already small enough, and formats it cannot re-encode, pass through untouched.
type Thumbnailer struct {
	logger  *zap.Logger
	maxSize int
}

// NewThumbnailer creates a new artwork downscaler
func NewThumbnailer(logger *zap.Logger, cfg domain.Config) *Thumbnailer {
	return &Thumbnailer{
		logger:  logger,
		maxSize: cfg.GetMaxArtworkSize(),
	}
}

// Process fits imageData inside a maxSize x maxSize box, preserving aspect
// ratio and the source encoding
func (p *Thumbnailer) Process(ctx context.Context, imageData []byte) ([]byte, error) {
	if p.maxSize <= 0 {
		return imageData, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= p.maxSize && bounds.Dy() <= p.maxSize {
		return imageData, nil
	}

	var encoding imaging.Format
	var opts []imaging.EncodeOption
	switch format {
	case "jpeg":
		encoding = imaging.JPEG
		opts = append(opts, imaging.JPEGQuality(jpegQuality))
	case "png":
		encoding = imaging.PNG
	default:
		p.logger.Debug("Unsupported artwork format, sending original", zap.String("format", format))
		return imageData, nil
	}

	p.logger.Debug("Downscaling artwork",
		zap.Int("w", bounds.Dx()),
		zap.Int("h", bounds.Dy()),
		zap.Int("max", p.maxSize))
	thumb := imaging.Fit(img, p.maxSize, p.maxSize, imaging.Lanczos)

	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, thumb, encoding, opts...); err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	p.logger.Debug("Artwork processed successfully", zap.Int("bytes", buf.Len()))
	return buf.Bytes(), nil
}
