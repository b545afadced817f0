package cover

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestStitchUsesMinHeightAndNoUpsampling(t *testing.T) {
	a := solidImage(100, 50, color.RGBA{R: 255, A: 255})
	b := solidImage(80, 40, color.RGBA{B: 255, A: 255})

	out, err := Stitch([]image.Image{a, b}, 10)
	require.NoError(t, err)
	assert.Equal(t, 40, out.Bounds().Dy(), "stitched height must equal the smaller input's height")
}

func TestStitchBlendSeamWidthAccountsForOverlap(t *testing.T) {
	a := solidImage(100, 50, color.RGBA{R: 255, A: 255})
	b := solidImage(100, 50, color.RGBA{B: 255, A: 255})

	out, err := Stitch([]image.Image{a, b}, 20)
	require.NoError(t, err)
	assert.Equal(t, 180, out.Bounds().Dx(), "width = 100+100-20 overlap")
}

func TestStitchSingleImageReturnsAsIs(t *testing.T) {
	a := solidImage(64, 32, color.RGBA{G: 255, A: 255})
	out, err := Stitch([]image.Image{a}, 10)
	require.NoError(t, err)
	assert.Equal(t, 64, out.Bounds().Dx())
	assert.Equal(t, 32, out.Bounds().Dy())
}

func TestStitchNoImagesErrors(t *testing.T) {
	_, err := Stitch(nil, 10)
	assert.Error(t, err)
}

func TestComputeActiveRectWidthFirstForWideImage(t *testing.T) {
	rect := ComputeActiveRect(1920, 1080, Padding{Left: 0.05, Right: 0.05})
	assert.InDelta(t, float64(rect.W)*9.0/16.0, float64(rect.H), 1.0)
	assert.Less(t, rect.W, 1920)
}

func TestComputeActiveRectClampsRatioPadding(t *testing.T) {
	rect := ComputeActiveRect(1000, 1000, Padding{Left: 0.9, Right: 0.9})
	assert.Greater(t, rect.W, 0)
}

func TestMapBlockToDrawAreaScalesFontSize(t *testing.T) {
	rect := Rect{X: 0, Y: 0, W: 800, H: 450}
	block := CaptionBlock{
		ActiveW: 1600, ActiveH: 900,
		X: 100, Y: 100, BoxW: 200, BoxH: 40,
		FontSize: 20,
	}
	mapped := mapBlockToDrawArea(block, rect)
	assert.Equal(t, 100, mapped.w)
	assert.Equal(t, 20, mapped.h)
	assert.Equal(t, 10, mapped.fontPx)
}

func TestMapBlockToDrawAreaFloorsFontAt8px(t *testing.T) {
	rect := Rect{X: 0, Y: 0, W: 100, H: 60}
	block := CaptionBlock{ActiveW: 1600, ActiveH: 900, BoxW: 200, BoxH: 40, FontSize: 20}
	mapped := mapBlockToDrawArea(block, rect)
	assert.GreaterOrEqual(t, mapped.fontPx, 8)
}

func TestChooseImagesWithoutReplacementWhenEnoughCandidates(t *testing.T) {
	candidates := []string{"a", "b", "c", "d"}
	chosen := ChooseImages(candidates, 3)
	require.Len(t, chosen, 3)
	seen := map[string]bool{}
	for _, c := range chosen {
		assert.False(t, seen[c], "must not repeat when candidates >= k")
		seen[c] = true
	}
}

func TestChooseImagesWithReplacementWhenTooFewCandidates(t *testing.T) {
	chosen := ChooseImages([]string{"only"}, 3)
	require.Len(t, chosen, 3)
	for _, c := range chosen {
		assert.Equal(t, "only", c)
	}
}

func TestChooseImagesEmptyCandidates(t *testing.T) {
	assert.Nil(t, ChooseImages(nil, 3))
}

func TestWordWrapSplitsOnWidth(t *testing.T) {
	lines := wordWrap("one two three four five", 40, 13)
	assert.Greater(t, len(lines), 1)
}

func TestRenderCaptionBlocksSkipsEmptyText(t *testing.T) {
	base := solidImage(200, 100, color.RGBA{A: 255})
	out := RenderCaptionBlocks(base, Padding{Left: 0.05, Right: 0.05}, []CaptionBlock{{Text: "  "}})
	assert.Equal(t, base.Bounds(), out.Bounds())
}
