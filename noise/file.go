package noise

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/ollama/diffusion/tensor"
)

// File reads pre-generated noise from a text file of whitespace separated
// values, such as a numpy array written with savetxt. The seed is ignored, so
// every run reading the same file starts from the same latent.
type File struct {
	Path string
}

func (f File) Noise(_ uint32, shape []int) (*tensor.Tensor, error) {
	r, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	n := numel(shape)
	data := make([]float64, 0, n)

	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	for len(data) < n && scanner.Scan() {
		v, err := strconv.ParseFloat(scanner.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Path, err)
		}
		data = append(data, v)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(data) < n {
		return nil, fmt.Errorf("%s: found %d values, latent %v needs %d", f.Path, len(data), shape, n)
	}

	return tensor.New(shape, data)
}

// Safetensors reads noise from a safetensors file. Name selects the tensor;
// when empty the tensor named "latent" is used, or the only tensor in the file.
// F32, F16 and BF16 tensors are supported.
type Safetensors struct {
	Path string
	Name string
}

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

func (s Safetensors) Noise(_ uint32, shape []int) (*tensor.Tensor, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	if n <= 0 || n > fi.Size()-8 {
		return nil, fmt.Errorf("%s: invalid safetensors header length %d", s.Path, n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, f, n); err != nil {
		return nil, err
	}

	var headers map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, err
	}
	delete(headers, "__metadata__")

	name := s.Name
	if name == "" {
		if _, ok := headers["latent"]; ok {
			name = "latent"
		} else if len(headers) == 1 {
			for k := range headers {
				name = k
			}
		} else {
			return nil, fmt.Errorf("%s: %d tensors and none named latent", s.Path, len(headers))
		}
	}

	raw, ok := headers[name]
	if !ok {
		return nil, fmt.Errorf("%s: tensor %q not found", s.Path, name)
	}

	var meta safetensorMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}

	var dtype tensor.DType
	switch meta.Type {
	case "F32":
		dtype = tensor.F32
	case "F16":
		dtype = tensor.F16
	case "BF16":
		dtype = tensor.BF16
	default:
		return nil, fmt.Errorf("%s: unsupported data type %s", s.Path, meta.Type)
	}

	if len(meta.Offsets) != 2 || meta.Offsets[0] < 0 || meta.Offsets[1] < meta.Offsets[0] || meta.Offsets[1] > fi.Size()-8-n {
		return nil, fmt.Errorf("%s: invalid safetensors data offsets %v", s.Path, meta.Offsets)
	}

	if numel(meta.Shape) != numel(shape) {
		return nil, fmt.Errorf("%s: tensor %q has shape %v, latent is %v", s.Path, name, meta.Shape, shape)
	}

	if _, err := f.Seek(8+n+meta.Offsets[0], io.SeekStart); err != nil {
		return nil, err
	}

	data := make([]byte, meta.Offsets[1]-meta.Offsets[0])
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}

	return tensor.Decode(shape, dtype, data)
}
