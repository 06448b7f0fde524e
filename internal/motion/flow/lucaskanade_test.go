package flow

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayTexture(w, h int, dx, dy float64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fx, fy := float64(x)-dx, float64(y)-dy
			v := 128 + 50*math.Sin(2*math.Pi*fx/24) + 50*math.Sin(2*math.Pi*fy/20)
			img.Pix[y*img.Stride+x] = uint8(math.Max(0, math.Min(255, v)))
		}
	}
	return img
}

func interiorMean(vals []float32, w, h, margin int) float64 {
	var sum float64
	var n int
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			sum += float64(vals[y*w+x])
			n++
		}
	}
	return sum / float64(n)
}

func TestLucasKanade_RecoversTranslation(t *testing.T) {
	cases := []struct {
		name   string
		dx, dy float64
	}{
		{"right", 2, 0},
		{"down", 0, 1.5},
		{"diagonal", -1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prev := grayTexture(96, 80, 0, 0)
			curr := grayTexture(96, 80, tc.dx, tc.dy)

			vf, err := NewLucasKanade().Estimate(prev, curr)
			require.NoError(t, err)
			require.Equal(t, 96, vf.Width)
			require.Equal(t, 80, vf.Height)

			assert.InDelta(t, tc.dx, interiorMean(vf.U, 96, 80, 12), 0.3)
			assert.InDelta(t, tc.dy, interiorMean(vf.V, 96, 80, 12), 0.3)
		})
	}
}

func TestLucasKanade_FlatImageHasNoFlow(t *testing.T) {
	flat := image.NewGray(image.Rect(0, 0, 40, 30))
	for i := range flat.Pix {
		flat.Pix[i] = 90
	}
	brighter := image.NewGray(flat.Rect)
	for i := range brighter.Pix {
		brighter.Pix[i] = 120
	}

	vf, err := NewLucasKanade().Estimate(flat, brighter)
	require.NoError(t, err)
	for i := range vf.U {
		require.Zero(t, vf.U[i])
		require.Zero(t, vf.V[i])
	}
}

func TestLucasKanade_SizeMismatch(t *testing.T) {
	_, err := NewLucasKanade().Estimate(
		image.NewGray(image.Rect(0, 0, 10, 10)),
		image.NewGray(image.Rect(0, 0, 12, 10)),
	)
	assert.Error(t, err)

	_, err = NewLucasKanade().Estimate(image.NewGray(image.Rectangle{}), image.NewGray(image.Rectangle{}))
	assert.Error(t, err)
}

func TestBuildPyramid(t *testing.T) {
	pyr := buildPyramid(newPlane(80, 60), 5)
	require.Len(t, pyr, 3, "stops before a side drops under the minimum")
	assert.Equal(t, 40, pyr[1].w)
	assert.Equal(t, 20, pyr[2].w)
	assert.Equal(t, 15, pyr[2].h)

	assert.Len(t, buildPyramid(newPlane(80, 60), 0), 1)
}

func TestPlane_SampleInterpolates(t *testing.T) {
	p := plane{w: 2, h: 2, pix: []float32{0, 10, 20, 30}}
	assert.InDelta(t, 15, p.sample(0.5, 0.5), 1e-5)
	assert.InDelta(t, 5, p.sample(0.5, 0), 1e-5)
	assert.InDelta(t, 30, p.sample(5, 5), 1e-5, "clamped to the edge")
}
