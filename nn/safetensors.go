package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"slices"
	"sort"
)

// TensorWithShape is a named tensor ready for serialization
type TensorWithShape struct {
	Values []float64
	Shape  []int
	DType  string // "F32", "F64", "F16" or "BF16"
}

// tensorInfo describes a tensor's properties in the header
type tensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// SaveParams writes parameters to a safetensors file. Metadata is stored
// under the "__metadata__" header key.
func SaveParams(path string, params []*Param, dtype string, metadata map[string]string) error {
	tensors := make(map[string]TensorWithShape, len(params))
	for _, p := range params {
		tensors[p.Name] = TensorWithShape{Values: p.Value.Data, Shape: p.Value.Shape, DType: dtype}
	}
	data, err := SerializeSafetensors(tensors, metadata)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadParams reads a safetensors file into params by name. Every parameter
// must be present with a matching shape; extra tensors in the file are
// ignored. Returns the file metadata.
func LoadParams(path string, params []*Param) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	tensors, metadata, err := ParseSafetensors(data)
	if err != nil {
		return nil, err
	}
	for _, p := range params {
		t, ok := tensors[p.Name]
		if !ok {
			return nil, fmt.Errorf("checkpoint %s: missing tensor %q", path, p.Name)
		}
		if !slices.Equal(t.Shape, p.Value.Shape) {
			return nil, &ShapeError{Op: "load " + p.Name, Want: p.Value.Shape, Got: t.Shape}
		}
		copy(p.Value.Data, t.Values)
	}
	return metadata, nil
}

// SerializeSafetensors converts tensors to safetensors format bytes
func SerializeSafetensors(tensors map[string]TensorWithShape, metadata map[string]string) ([]byte, error) {
	header := make(map[string]interface{}, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	// Sort names for deterministic order
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	currentOffset := 0
	for _, name := range names {
		tensor := tensors[name]
		bytesPerElement := getBytesPerElement(tensor.DType)
		if bytesPerElement == 0 {
			return nil, fmt.Errorf("unsupported dtype: %s", tensor.DType)
		}
		if numel(tensor.Shape) != len(tensor.Values) {
			return nil, fmt.Errorf("tensor %s: shape %v does not match %d values", name, tensor.Shape, len(tensor.Values))
		}
		dataSize := len(tensor.Values) * bytesPerElement
		header[name] = tensorInfo{
			DType:  tensor.DType,
			Shape:  tensor.Shape,
			Offset: []int{currentOffset, currentOffset + dataSize},
		}
		currentOffset += dataSize
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// Build file: [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := uint64(len(headerJSON))
	result := make([]byte, 8+headerSize+uint64(currentOffset))
	binary.LittleEndian.PutUint64(result[0:8], headerSize)
	copy(result[8:8+headerSize], headerJSON)

	offset := int(8 + headerSize)
	for _, name := range names {
		n, err := writeTensorData(result[offset:], tensors[name])
		if err != nil {
			return nil, fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
		offset += n
	}
	return result, nil
}

// ParseSafetensors decodes safetensors bytes into float64 tensors.
func ParseSafetensors(data []byte) (map[string]TensorWithShape, map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < headerSize {
		return nil, nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, nil, fmt.Errorf("failed to parse header: %w", err)
	}
	allData := data[8+headerSize:]

	var metadata map[string]string
	tensors := make(map[string]TensorWithShape, len(rawHeader))
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			if err := json.Unmarshal(raw, &metadata); err != nil {
				return nil, nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if len(info.Offset) != 2 {
			return nil, nil, fmt.Errorf("tensor %s: bad data_offsets %v", name, info.Offset)
		}
		width := getBytesPerElement(info.DType)
		if width == 0 {
			return nil, nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}
		n := numel(info.Shape)
		start, end := info.Offset[0], info.Offset[1]
		if start < 0 || end > len(allData) || end-start != n*width {
			return nil, nil, fmt.Errorf("tensor %s: data out of bounds", name)
		}
		tensors[name] = TensorWithShape{
			Values: readTensorData(allData[start:end], info.DType, n),
			Shape:  info.Shape,
			DType:  info.DType,
		}
	}
	return tensors, metadata, nil
}

// getBytesPerElement returns bytes per element for a dtype
func getBytesPerElement(dtype string) int {
	switch dtype {
	case "F64":
		return 8
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	default:
		return 0
	}
}

// writeTensorData writes tensor data in the specified dtype format
func writeTensorData(dest []byte, tensor TensorWithShape) (int, error) {
	switch tensor.DType {
	case "F64":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint64(dest[i*8:], math.Float64bits(val))
		}
		return len(tensor.Values) * 8, nil
	case "F32":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint32(dest[i*4:], math.Float32bits(float32(val)))
		}
		return len(tensor.Values) * 4, nil
	case "F16":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint16(dest[i*2:], float32ToFloat16(float32(val)))
		}
		return len(tensor.Values) * 2, nil
	case "BF16":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint16(dest[i*2:], uint16(math.Float32bits(float32(val))>>16))
		}
		return len(tensor.Values) * 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype: %s", tensor.DType)
	}
}

func readTensorData(src []byte, dtype string, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		switch dtype {
		case "F64":
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		case "F32":
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:])))
		case "F16":
			out[i] = float64(float16ToFloat32(binary.LittleEndian.Uint16(src[i*2:])))
		case "BF16":
			out[i] = float64(math.Float32frombits(uint32(binary.LittleEndian.Uint16(src[i*2:])) << 16))
		}
	}
	return out
}

// float16ToFloat32 converts a float16 (half precision) to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var f32bits uint32
	switch {
	case exponent == 0 && mantissa == 0:
		f32bits = sign << 31
	case exponent == 0:
		// Subnormal: renormalise the mantissa
		e := int32(1)
		for (mantissa & 0x400) == 0 {
			mantissa <<= 1
			e--
		}
		mantissa &= 0x3FF
		f32bits = (sign << 31) | (uint32(e+127-15) << 23) | (mantissa << 13)
	case exponent == 0x1F:
		f32bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	default:
		f32bits = (sign << 31) | ((exponent + 127 - 15) << 23) | (mantissa << 13)
	}
	return math.Float32frombits(f32bits)
}

// float32ToFloat16 converts float32 to half precision, flushing values
// below the normal range to zero.
func float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exponent := int32((bits>>23)&0xFF) - 127 + 15
	mantissa := bits & 0x7FFFFF

	switch {
	case (bits>>23)&0xFF == 0xFF:
		if mantissa != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exponent >= 0x1F:
		return sign | 0x7C00
	case exponent <= 0:
		return sign
	default:
		return sign | uint16(exponent)<<10 | uint16(mantissa>>13)
	}
}
