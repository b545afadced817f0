// Package cover is the Cover Stitcher (C13): horizontally stitches a
// set of frames into one image with a linear-alpha seam blend, then
// composites caption blocks onto a centered 16:9 active rectangle.
// Image decode/encode leans on chai2010/webp for the output format and
// stdlib image/jpeg, image/png for input; there is no image-processing
// library anywhere in the example pack, so resizing and blending are
// hand-rolled (see DESIGN.md's stdlib-only justifications).
package cover

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/google/uuid"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/config"
)

// Rect is a pixel rectangle with integer origin and size.
type Rect struct {
	X, Y, W, H int
}

// Padding is four independently specified edge insets. Each value is
// either a ratio (<=1.0, clamped to [0,0.2]) or a pixel count (>1.0).
type Padding struct {
	Left, Top, Right, Bottom float64
}

// CaptionBlock is one caption in widget-relative coordinates, the same
// space a position-picker UI would hand over: active_w x active_h is
// the widget's own 16:9 canvas, and X/Y/BoxW/BoxH/FontSize are pixel
// values within it.
type CaptionBlock struct {
	Text        string
	ActiveW     int
	ActiveH     int
	X, Y        int
	BoxW, BoxH  int
	FontSize    int
	Align       string // "left", "center", "right"
	Color       color.RGBA
	StrokeColor color.RGBA // alpha 0 disables stroke
	BGColor     color.RGBA // alpha 0 disables background fill
}

// Stitcher builds stitched covers from a pool of candidate frames.
type Stitcher struct {
	cfg config.CoverConfig
}

// New builds a Stitcher.
func New(cfg config.CoverConfig) *Stitcher {
	return &Stitcher{cfg: cfg}
}

// ChooseImages picks k images from candidates: random.Sample-style
// without replacement when there are enough candidates, otherwise
// with-replacement sampling so the caller always gets k paths.
func ChooseImages(candidates []string, k int) []string {
	if len(candidates) == 0 || k <= 0 {
		return nil
	}
	if len(candidates) >= k {
		pool := append([]string(nil), candidates...)
		rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		return pool[:k]
	}
	out := make([]string, k)
	for i := range out {
		out[i] = candidates[rand.Intn(len(candidates))]
	}
	return out
}

// LoadImage decodes an image file, dispatching to webp.Decode for
// .webp paths and the stdlib registry (jpeg/png) otherwise.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".webp") {
		return webp.Decode(f)
	}
	img, _, err := image.Decode(f)
	return img, err
}

// Stitch resizes every image to the minimum height among them (never
// upsampling, since the target is already the smallest) and
// horizontally concatenates them with a blendWidth-pixel linear-alpha
// seam blend between each adjacent pair.
func Stitch(imgs []image.Image, blendWidth int) (image.Image, error) {
	if len(imgs) == 0 {
		return nil, errors.New("cover: no images to stitch")
	}

	targetH := imgs[0].Bounds().Dy()
	for _, im := range imgs {
		if h := im.Bounds().Dy(); h < targetH {
			targetH = h
		}
	}

	resized := make([]*image.RGBA, len(imgs))
	for i, im := range imgs {
		b := im.Bounds()
		w, h := b.Dx(), b.Dy()
		scale := float64(targetH) / float64(h)
		newW := int(float64(w)*scale + 0.5)
		if newW < 1 {
			newW = 1
		}
		resized[i] = resizeBilinear(im, newW, targetH)
	}

	out := resized[0]
	for i := 1; i < len(resized); i++ {
		right := resized[i]
		out = blendSeam(out, right, blendWidth)
	}
	return out, nil
}

// resizeBilinear scales src to w x h by taking the nearest source pixel
// for each destination pixel; it does not interpolate between
// neighbouring pixels.
func resizeBilinear(src image.Image, w, h int) *image.RGBA {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if sw == w && sh == h {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	xRatio := float64(sw) / float64(w)
	yRatio := float64(sh) / float64(h)
	for y := 0; y < h; y++ {
		sy := b.Min.Y + int(float64(y)*yRatio)
		if sy >= b.Max.Y {
			sy = b.Max.Y - 1
		}
		for x := 0; x < w; x++ {
			sx := b.Min.X + int(float64(x)*xRatio)
			if sx >= b.Max.X {
				sx = b.Max.X - 1
			}
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}

// blendSeam concatenates left and right horizontally, overlapping the
// last bw columns of left with the first bw columns of right under a
// linear crossfade, mirroring stitch_images_with_blend.
func blendSeam(left, right *image.RGBA, blendWidth int) *image.RGBA {
	h := left.Bounds().Dy()
	wLeft, wRight := left.Bounds().Dx(), right.Bounds().Dx()

	bw := blendWidth
	if bw > wLeft {
		bw = wLeft
	}
	if bw > wRight {
		bw = wRight
	}
	if bw < 1 {
		bw = 1
	}

	newW := wLeft + wRight - bw
	out := image.NewRGBA(image.Rect(0, 0, newW, h))

	leftKeep := wLeft - bw
	if leftKeep > 0 {
		draw.Draw(out, image.Rect(0, 0, leftKeep, h), left, image.Point{}, draw.Src)
	}

	for y := 0; y < h; y++ {
		for i := 0; i < bw; i++ {
			wRightF := float64(i) / float64(bw-1+boolToInt(bw == 1))
			wLeftF := 1.0 - wRightF
			lc := left.RGBAAt(wLeft-bw+i, y)
			rc := right.RGBAAt(i, y)
			blended := color.RGBA{
				R: blendByte(lc.R, rc.R, wLeftF, wRightF),
				G: blendByte(lc.G, rc.G, wLeftF, wRightF),
				B: blendByte(lc.B, rc.B, wLeftF, wRightF),
				A: 255,
			}
			out.SetRGBA(leftKeep+i, y, blended)
		}
	}

	if wRight-bw > 0 {
		draw.Draw(out, image.Rect(leftKeep+bw, 0, newW, h), right, image.Pt(bw, 0), draw.Src)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func blendByte(l, r uint8, wl, wr float64) uint8 {
	v := float64(l)*wl + float64(r)*wr
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return uint8(v + 0.5)
}

// ComputeActiveRect computes the 16:9 rectangle centered inside
// (imgW, imgH) after padding is removed on each side, choosing
// width-first sizing and falling back to height-first if the
// width-first box doesn't fit the padded area vertically.
func ComputeActiveRect(imgW, imgH int, pad Padding) Rect {
	plPx := padToPixels(pad.Left, imgW)
	prPx := padToPixels(pad.Right, imgW)
	ptPx := padToPixels(pad.Top, imgH)
	pbPx := padToPixels(pad.Bottom, imgH)

	effW := imgW - plPx - prPx
	effH := imgH - ptPx - pbPx
	if effW < 1 {
		effW = 1
	}
	if effH < 1 {
		effH = 1
	}

	drawW := effW
	drawH := int(float64(drawW)*9.0/16.0 + 0.5)
	if drawH > effH {
		drawH = effH
		drawW = int(float64(drawH)*16.0/9.0 + 0.5)
	}

	left := plPx + (effW-drawW)/2
	top := ptPx + (effH-drawH)/2
	return Rect{X: left, Y: top, W: drawW, H: drawH}
}

func padToPixels(v float64, base int) int {
	if v <= 1.0 {
		ratio := v
		if ratio < 0 {
			ratio = 0
		}
		if ratio > 0.2 {
			ratio = 0.2
		}
		return int(float64(base)*ratio + 0.5)
	}
	px := int(v + 0.5)
	if px < 0 {
		px = 0
	}
	return px
}

// mappedBlock is a CaptionBlock translated into draw-space pixels.
type mappedBlock struct {
	x, y, w, h int
	fontPx     int
}

// mapBlockToDrawArea scales a widget-relative CaptionBlock into the
// active rectangle's coordinate space, scaling its font size by the
// same ratio (floored at 8px).
func mapBlockToDrawArea(b CaptionBlock, rect Rect) mappedBlock {
	if b.ActiveW == 0 || b.ActiveH == 0 {
		return mappedBlock{x: rect.X, y: rect.Y, w: rect.W, h: rect.H, fontPx: 18}
	}
	scaleX := float64(rect.W) / float64(b.ActiveW)
	scaleY := float64(rect.H) / float64(b.ActiveH)

	sbw := int(float64(b.BoxW)*scaleX + 0.5)
	sbh := int(float64(b.BoxH)*scaleY + 0.5)
	sbx := int(float64(b.X)*scaleX+0.5) + rect.X
	sby := int(float64(b.Y)*scaleY+0.5) + rect.Y

	fontPx := 8
	if b.BoxH > 0 {
		fontPx = int(float64(sbh) / float64(b.BoxH) * float64(b.FontSize))
	}
	if fontPx < 8 {
		fontPx = 8
	}
	return mappedBlock{x: sbx, y: sby, w: sbw, h: sbh, fontPx: fontPx}
}

// RenderCaptionBlocks composites the given blocks onto img within its
// computed 16:9 active rectangle: background fill where bgcolor has
// alpha, an 8-direction stroke offset, then the glyph fill. Text is
// rendered with golang.org/x/image/font/basicfont's fixed 7x13 face
// and rescaled to the block's mapped font size, since no scalable
// font-rendering library appears anywhere in the example pack.
func RenderCaptionBlocks(img image.Image, pad Padding, blocks []CaptionBlock) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)

	rect := ComputeActiveRect(b.Dx(), b.Dy(), pad)
	for _, block := range blocks {
		if strings.TrimSpace(block.Text) == "" {
			continue
		}
		mapped := mapBlockToDrawArea(block, rect)
		drawCaption(out, rect, mapped, block)
	}
	return out
}

func drawCaption(dst *image.RGBA, rect Rect, mapped mappedBlock, block CaptionBlock) {
	lines := wordWrap(block.Text, mapped.w, mapped.fontPx)
	lineH := int(float64(mapped.fontPx) * 1.3)
	totalH := lineH * len(lines)

	if block.BGColor.A > 0 {
		bg := image.Rect(mapped.x-6, mapped.y-6, mapped.x+mapped.w+6, mapped.y+totalH+6)
		drawFilledRect(dst, bg, block.BGColor)
	}

	y := mapped.y
	for _, line := range lines {
		width := textWidth(line, mapped.fontPx)
		x := mapped.x
		switch block.Align {
		case "center":
			x = mapped.x + (mapped.w-width)/2
		case "right":
			x = mapped.x + mapped.w - width
		}
		x = clampInt(x, rect.X+6, rect.X+rect.W-width-6)

		if block.StrokeColor.A > 0 {
			offsets := [][2]int{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}}
			for _, off := range offsets {
				drawText(dst, x+off[0], y+off[1], line, mapped.fontPx, block.StrokeColor)
			}
		}
		drawText(dst, x, y, line, mapped.fontPx, block.Color)
		y += lineH
	}
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func drawFilledRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	draw.Draw(dst, r, &image.Uniform{C: c}, image.Point{}, draw.Over)
}

// baseFace is the fixed 7x13 glyph face every caption is rasterized
// from before being scaled to the requested pixel size.
var baseFace = basicfont.Face7x13

const baseFaceHeight = 13

func textWidth(s string, fontPx int) int {
	scale := float64(fontPx) / baseFaceHeight
	w := font.MeasureString(baseFace, s)
	return int(float64(w.Round()) * scale)
}

// drawText rasterizes s at the base face size, then nearest-neighbor
// scales the glyph bitmap up or down onto dst at (x, y) in the given
// color, since basicfont has no variable point size.
func drawText(dst *image.RGBA, x, y int, s string, fontPx int, c color.RGBA) {
	if s == "" {
		return
	}
	baseW := font.MeasureString(baseFace, s).Round()
	if baseW <= 0 {
		return
	}
	glyphs := image.NewAlpha(image.Rect(0, 0, baseW, baseFaceHeight+4))
	d := &font.Drawer{
		Dst:  glyphs,
		Src:  image.NewUniform(color.Alpha{A: 255}),
		Face: baseFace,
		Dot:  fixed.P(0, baseFaceHeight-2),
	}
	d.DrawString(s)

	scale := float64(fontPx) / baseFaceHeight
	scaledW := int(float64(baseW)*scale + 0.5)
	scaledH := int(float64(baseFaceHeight+4)*scale + 0.5)
	if scaledW < 1 || scaledH < 1 {
		return
	}

	for sy := 0; sy < scaledH; sy++ {
		srcY := int(float64(sy) / scale)
		if srcY >= baseFaceHeight+4 {
			srcY = baseFaceHeight + 3
		}
		for sx := 0; sx < scaledW; sx++ {
			srcX := int(float64(sx) / scale)
			if srcX >= baseW {
				srcX = baseW - 1
			}
			a := glyphs.AlphaAt(srcX, srcY).A
			if a == 0 {
				continue
			}
			px, py := x+sx, y+sy
			if !(image.Point{X: px, Y: py}.In(dst.Bounds())) {
				continue
			}
			blendPixel(dst, px, py, c, a)
		}
	}
}

func blendPixel(dst *image.RGBA, x, y int, c color.RGBA, alpha uint8) {
	if alpha == 255 {
		dst.SetRGBA(x, y, c)
		return
	}
	bg := dst.RGBAAt(x, y)
	a := float64(alpha) / 255.0
	dst.SetRGBA(x, y, color.RGBA{
		R: blendByte(c.R, bg.R, a, 1-a),
		G: blendByte(c.G, bg.G, a, 1-a),
		B: blendByte(c.B, bg.B, a, 1-a),
		A: 255,
	})
}

// wordWrap greedily packs words into lines no wider than maxW pixels
// at the given font size.
func wordWrap(text string, maxW, fontPx int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	cur := words[0]
	for _, w := range words[1:] {
		trial := cur + " " + w
		if textWidth(trial, fontPx) > maxW && cur != "" {
			lines = append(lines, cur)
			cur = w
			continue
		}
		cur = trial
	}
	lines = append(lines, cur)
	return lines
}

// Save encodes img to destPath, choosing the encoder from the file
// extension: .webp via chai2010/webp, .png via stdlib, anything else
// as JPEG.
func Save(img image.Image, destPath string, quality int) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(destPath)) {
	case ".webp":
		return webp.Encode(f, img, &webp.Options{Lossless: false, Quality: float32(quality)})
	case ".png":
		return png.Encode(f, img)
	default:
		return jpeg.Encode(f, img, &jpeg.Options{Quality: quality})
	}
}

// SaveStitchedCover moves the stitched image at srcPath into outDir
// under a UUID-suffixed name, preserving its extension.
func SaveStitchedCover(srcPath, outDir string) (string, error) {
	ext := filepath.Ext(srcPath)
	if ext == "" {
		ext = ".jpg"
	}
	name := fmt.Sprintf("cover_%s%s", uuid.NewString()[:8], ext)
	dest := filepath.Join(outDir, name)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(srcPath, dest); err != nil {
		return "", fmt.Errorf("move stitched cover: %w", err)
	}
	return dest, nil
}

// BuildAndSave is the Stitcher's top-level entry point: picks
// s.cfg.ImageCount images from candidates, stitches them with the
// configured blend width, overlays captions, and saves the result to
// outDir.
func (s *Stitcher) BuildAndSave(candidates []string, captions []CaptionBlock, outDir string) (string, error) {
	chosen := ChooseImages(candidates, s.cfg.ImageCount)
	if len(chosen) == 0 {
		return "", errors.New("cover: no candidate images available")
	}

	imgs := make([]image.Image, 0, len(chosen))
	for _, p := range chosen {
		img, err := LoadImage(p)
		if err != nil {
			continue
		}
		imgs = append(imgs, img)
	}
	if len(imgs) == 0 {
		return "", errors.New("cover: none of the chosen candidates could be decoded")
	}

	stitched, err := Stitch(imgs, s.cfg.BlendWidth)
	if err != nil {
		return "", err
	}

	pad := Padding{Left: s.cfg.PaddingPct, Right: s.cfg.PaddingPct, Top: 0.03, Bottom: 0.03}
	final := RenderCaptionBlocks(stitched, pad, captions)

	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("stitched_%s.jpg", uuid.NewString()[:8]))
	if err := Save(final, tmp, 90); err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	return SaveStitchedCover(tmp, outDir)
}
