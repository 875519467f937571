// Package decode converts an uploaded file into the ordered list of page
// images the pipeline operates on. PDFs are rendered one PNG per page via
// pdftoppm; images pass through after magic-byte validation. Nothing is
// retained on disk past the call.
package decode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/extractable/extractable/constants"
	"github.com/extractable/extractable/internal/common"
)

type Config struct {
	Pdftoppm string // path to the pdftoppm binary
	DPI      int
	MaxPages int
}

type Decoder struct {
	cfg    Config
	runner Runner
	log    *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Decoder {
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{cfg: cfg, runner: execRunner{log: logger}, log: logger}
}

// Decode returns one PNG byte-buffer per page, in page order.
func (d *Decoder) Decode(ctx context.Context, data []byte, kind constants.InputKind) ([][]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty input: %w", common.ErrUnsupportedInput)
	}
	switch kind {
	case constants.InputPDF:
		return d.decodePDF(ctx, data)
	case constants.InputImages:
		if !looksLikeImage(data) {
			return nil, fmt.Errorf("not a recognized image format: %w", common.ErrUnsupportedInput)
		}
		return [][]byte{data}, nil
	default:
		return nil, fmt.Errorf("unknown input kind %q: %w", kind, common.ErrUnsupportedInput)
	}
}

func (d *Decoder) decodePDF(ctx context.Context, data []byte) ([][]byte, error) {
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return nil, fmt.Errorf("missing PDF header: %w", common.ErrUnsupportedInput)
	}

	tmpDir, err := os.MkdirTemp("", "xt-pp-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := os.RemoveAll(tmpDir); rerr != nil {
			d.log.Warn("decode.tmpdir_cleanup_failed", "path", tmpDir, "error", rerr)
		}
	}()

	src := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(src, data, 0o600); err != nil {
		return nil, err
	}

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r <dpi> -png <in.pdf> <tmp/page>
	_, errb, err := d.runner.Run(ctx, d.cfg.Pdftoppm, "-r", fmt.Sprintf("%d", d.cfg.DPI), "-png", src, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm: %s: %w", truncate(string(errb), 512), common.ErrUnsupportedInput)
	}

	// collect generated pngs (prefix-1.png, prefix-2.png, ...); pdftoppm
	// zero-pads page numbers within a run, so lexical order is page order
	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if d.cfg.MaxPages > 0 && len(matches) > d.cfg.MaxPages {
		matches = matches[:d.cfg.MaxPages]
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no images: %w", common.ErrUnsupportedInput)
	}

	pages := make([][]byte, 0, len(matches))
	for _, m := range matches {
		b, err := os.ReadFile(m)
		if err != nil {
			return nil, err
		}
		pages = append(pages, b)
	}
	d.log.Debug("decode.pdf_rendered", "pages", len(pages), "dpi", d.cfg.DPI)
	return pages, nil
}

// looksLikeImage sniffs the formats the model provider accepts.
func looksLikeImage(data []byte) bool {
	switch {
	case len(data) >= 8 && bytes.Equal(data[:8], []byte("\x89PNG\r\n\x1a\n")):
		return true
	case len(data) >= 2 && data[0] == 0xff && data[1] == 0xd8:
		return true
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return true
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return true
	default:
		return false
	}
}
