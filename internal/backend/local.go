package backend

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

const (
	previewTile      = 512
	previewCols      = 3
	previewBarHeight = 180
	previewWrap      = 80
	previewLines     = 4
	previewQuality   = 92
)

var (
	previewBackground = color.RGBA{20, 20, 20, 255}
	previewEmpty      = color.RGBA{30, 30, 30, 255}
	previewBar        = color.RGBA{0, 0, 0, 170}
)

// LocalSubstitute renders a preview image from the references and prompt
// without any GPU. It always succeeds for decodable input.
type LocalSubstitute struct {
	logger zerolog.Logger
}

func NewLocalSubstitute(logger zerolog.Logger) *LocalSubstitute {
	return &LocalSubstitute{logger: logger}
}

func (l *LocalSubstitute) Name() string { return "local" }

func (l *LocalSubstitute) Generate(ctx context.Context, req Request, progress ProgressFunc) (Artifact, error) {
	if progress == nil {
		progress = noProgress
	}
	progress(35, "assembling preview (local)")
	var imgs []image.Image
	for _, ref := range req.References {
		img, _, err := image.Decode(bytes.NewReader(ref.Data))
		if err != nil {
			l.logger.Warn().Err(err).Str("job_id", req.JobID).Str("reference", ref.Name).Msg("backend: skip undecodable reference")
			continue
		}
		imgs = append(imgs, img)
	}
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	canvas := previewGrid(imgs)

	progress(70, "rendering output (local)")
	headline := "Local preview"
	if req.Note != "" {
		headline = fmt.Sprintf("Local preview (GPU server unavailable: %s)", req.Note)
	}
	drawOverlay(canvas, headline, req.Prompt)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: previewQuality}); err != nil {
		return Artifact{}, fmt.Errorf("backend: encode preview: %w", err)
	}
	progress(100, "done")
	return Artifact{Data: buf.Bytes(), ContentType: "image/jpeg"}, nil
}

func previewGrid(imgs []image.Image) *image.RGBA {
	if len(imgs) == 0 {
		canvas := image.NewRGBA(image.Rect(0, 0, previewTile, previewTile))
		xdraw.Draw(canvas, canvas.Bounds(), image.NewUniform(previewEmpty), image.Point{}, xdraw.Src)
		return canvas
	}
	rows := (len(imgs) + previewCols - 1) / previewCols
	canvas := image.NewRGBA(image.Rect(0, 0, previewCols*previewTile, rows*previewTile))
	xdraw.Draw(canvas, canvas.Bounds(), image.NewUniform(previewBackground), image.Point{}, xdraw.Src)
	for i, img := range imgs {
		r, c := i/previewCols, i%previewCols
		dst := image.Rect(c*previewTile, r*previewTile, (c+1)*previewTile, (r+1)*previewTile)
		xdraw.CatmullRom.Scale(canvas, dst, img, img.Bounds(), xdraw.Src, nil)
	}
	return canvas
}

func drawOverlay(canvas *image.RGBA, headline, prompt string) {
	b := canvas.Bounds()
	barTop := b.Max.Y - previewBarHeight
	if barTop < b.Min.Y {
		barTop = b.Min.Y
	}
	bar := image.Rect(b.Min.X, barTop, b.Max.X, b.Max.Y)
	xdraw.Draw(canvas, bar, image.NewUniform(previewBar), image.Point{}, xdraw.Over)

	face := basicfont.Face7x13
	d := &font.Drawer{Dst: canvas, Src: image.White, Face: face}
	lineHeight := face.Height + 8
	y := barTop + 18 + face.Ascent
	lines := append([]string{headline}, wrapText(prompt, previewWrap, previewLines)...)
	for _, line := range lines {
		if y > b.Max.Y {
			break
		}
		d.Dot = fixed.P(b.Min.X+18, y)
		d.DrawString(line)
		y += lineHeight
	}
}

// wrapText splits s into at most maxLines lines of up to width runes,
// breaking on spaces where possible.
func wrapText(s string, width, maxLines int) []string {
	var lines []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			lines = append(lines, cur.String())
			cur.Reset()
		}
	}
	for _, word := range strings.Fields(s) {
		for utf8.RuneCountInString(word) > width {
			flush()
			runes := []rune(word)
			lines = append(lines, string(runes[:width]))
			word = string(runes[width:])
		}
		if cur.Len() > 0 && utf8.RuneCountInString(cur.String())+1+utf8.RuneCountInString(word) > width {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	flush()
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return lines
}
