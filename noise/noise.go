// Package noise provides the initial latent noise for sampling runs.
package noise

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ollama/diffusion/tensor"
)

// LatentChannels is the channel count of the Stable Diffusion 1.x latent space.
const LatentChannels = 4

var ErrImageSize = errors.New("image height and width must be positive multiples of 8")

// Source produces latent-shaped noise. Implementations must be deterministic
// for a fixed seed and shape.
type Source interface {
	Noise(seed uint32, shape []int) (*tensor.Tensor, error)
}

// LatentShape returns the latent shape [1, 4, H/8, W/8] for an image size.
func LatentShape(height, width int) ([]int, error) {
	if height <= 0 || width <= 0 || height%8 != 0 || width%8 != 0 {
		return nil, fmt.Errorf("%w: got %dx%d", ErrImageSize, width, height)
	}

	return []int{1, LatentChannels, height / 8, width / 8}, nil
}

// Normal draws independent standard normal samples from a generator seeded
// with the run seed.
type Normal struct{}

func (Normal) Noise(seed uint32, shape []int) (*tensor.Tensor, error) {
	t, err := tensor.New(shape, make([]float64, numel(shape)))
	if err != nil {
		return nil, err
	}

	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(uint64(seed))}
	data := t.Data()
	for i := range data {
		data[i] = dist.Rand()
	}

	return t, nil
}

// Open returns a Source reading a latent dump from path. Files ending in
// .safetensors are read as safetensors, anything else as whitespace
// separated text values.
func Open(path string) Source {
	if strings.EqualFold(filepath.Ext(path), ".safetensors") {
		return Safetensors{Path: path}
	}

	return File{Path: path}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= max(d, 0)
	}
	return n
}
