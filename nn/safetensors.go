package nn

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// TensorWithShape is one named tensor for safetensors export.
type TensorWithShape struct {
	Values []float64
	Shape  []int
	DType  string // "F64" or "F32"
}

// tensorInfo is the header entry of one tensor.
type tensorInfo struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets []int  `json:"data_offsets"`
}

// Tensors returns every trainable parameter keyed by its name.
func (m *Autoencoder) Tensors(dtype string) map[string]TensorWithShape {
	out := make(map[string]TensorWithShape)
	for _, p := range m.Params() {
		r, c := p.Value.Dims()
		out[p.Name] = TensorWithShape{
			Values: append([]float64(nil), p.Value.RawMatrix().Data...),
			Shape:  []int{r, c},
			DType:  dtype,
		}
	}
	return out
}

// SaveSafetensors writes the model's parameters to a safetensors file.
func SaveSafetensors(filepath string, m *Autoencoder, dtype string) error {
	data, err := SerializeSafetensors(m.Tensors(dtype))
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(filepath, data, 0o644), "failed to write safetensors")
}

func bytesPerElement(dtype string) int {
	switch dtype {
	case "F64":
		return 8
	case "F32":
		return 4
	default:
		return 0
	}
}

// SerializeSafetensors converts tensors to safetensors format bytes:
// [header size (8 bytes LE)] [header JSON] [tensor data].
func SerializeSafetensors(tensors map[string]TensorWithShape) ([]byte, error) {
	// Sort names for deterministic order
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorInfo, len(names))
	offset := 0
	for _, name := range names {
		t := tensors[name]
		size := bytesPerElement(t.DType)
		if size == 0 {
			return nil, errors.Errorf("unsupported dtype: %s", t.DType)
		}
		n := 1
		for _, d := range t.Shape {
			n *= d
		}
		if n != len(t.Values) {
			return nil, errors.Errorf("tensor %s: shape %v holds %d values, got %d", name, t.Shape, n, len(t.Values))
		}
		header[name] = tensorInfo{DType: t.DType, Shape: t.Shape, Offsets: []int{offset, offset + n*size}}
		offset += n * size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal header")
	}

	headerSize := uint64(len(headerJSON))
	result := make([]byte, 8+headerSize+uint64(offset))
	binary.LittleEndian.PutUint64(result[0:8], headerSize)
	copy(result[8:8+headerSize], headerJSON)

	data := result[8+headerSize:]
	for _, name := range names {
		t := tensors[name]
		start := header[name].Offsets[0]
		for i, v := range t.Values {
			switch t.DType {
			case "F64":
				binary.LittleEndian.PutUint64(data[start+i*8:], math.Float64bits(v))
			case "F32":
				binary.LittleEndian.PutUint32(data[start+i*4:], math.Float32bits(float32(v)))
			}
		}
	}
	return result, nil
}

// LoadSafetensorsFromBytes parses F64 and F32 tensors.
func LoadSafetensorsFromBytes(data []byte) (map[string]TensorWithShape, error) {
	if len(data) < 8 {
		return nil, errors.New("data too short: need at least 8 bytes for header size")
	}
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)) < 8+headerSize {
		return nil, errors.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse header")
	}
	all := data[8+headerSize:]

	tensors := make(map[string]TensorWithShape, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, errors.Wrapf(err, "tensor %s", name)
		}
		size := bytesPerElement(info.DType)
		if size == 0 {
			return nil, errors.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}
		if len(info.Offsets) != 2 || info.Offsets[1] > len(all) || info.Offsets[0] > info.Offsets[1] {
			return nil, errors.Errorf("tensor %s: data out of bounds", name)
		}

		buf := all[info.Offsets[0]:info.Offsets[1]]
		values := make([]float64, len(buf)/size)
		for i := range values {
			if size == 8 {
				values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
			} else {
				values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
			}
		}
		tensors[name] = TensorWithShape{Values: values, Shape: info.Shape, DType: info.DType}
	}
	return tensors, nil
}

// LoadSafetensors reads a safetensors file and returns tensors by name.
func LoadSafetensors(filepath string) (map[string]TensorWithShape, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open file")
	}
	return LoadSafetensorsFromBytes(data)
}
