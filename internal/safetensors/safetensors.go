// Package safetensors reads and writes float32 tensors in the safetensors
// container format: 8-byte little-endian header length, JSON header mapping
// tensor names to dtype/shape/offsets, then raw tensor bytes.
//
// Model weights, encoder memory and mel feature files are all exchanged in
// this format.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

const dtypeF32 = "F32"

// maxHeaderBytes bounds the JSON header to keep corrupt files from forcing
// huge allocations.
const maxHeaderBytes = 16 << 20

// Tensor holds a single named float32 tensor.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Store provides access to the tensors of one safetensors payload.
type Store struct {
	raw     []byte
	entries map[string]headerEntry
	names   []string
}

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// Open reads a safetensors file from disk.
func Open(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return FromBytes(data)
}

// FromBytes decodes a safetensors payload.
func FromBytes(data []byte) (*Store, error) {
	if len(data) < 8 {
		return nil, errors.New("safetensors: payload shorter than header length prefix")
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderBytes {
		return nil, fmt.Errorf("safetensors: header length %d exceeds limit", headerLen)
	}

	headerEnd := 8 + int(headerLen)
	if headerEnd > len(data) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds payload size %d", headerLen, len(data))
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:headerEnd], &header); err != nil {
		return nil, fmt.Errorf("safetensors: decode header: %w", err)
	}

	raw := data[headerEnd:]
	entries := make(map[string]headerEntry, len(header))
	names := make([]string, 0, len(header))

	for name, rawEntry := range header {
		if name == "__metadata__" {
			continue
		}

		var entry headerEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			return nil, fmt.Errorf("safetensors: decode header entry %q: %w", name, err)
		}

		if entry.DType != dtypeF32 {
			return nil, fmt.Errorf("safetensors: tensor %q has dtype %s, only F32 is supported", name, entry.DType)
		}

		elems, err := shapeElementCount(entry.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		start, end := entry.Offsets[0], entry.Offsets[1]
		if start < 0 || end < start || end > len(raw) {
			return nil, fmt.Errorf("safetensors: tensor %q offsets [%d, %d] out of range for %d data bytes", name, start, end, len(raw))
		}

		if int64(end-start) != elems*4 {
			return nil, fmt.Errorf("safetensors: tensor %q shape %v expects %d bytes, header declares %d", name, entry.Shape, elems*4, end-start)
		}

		entries[name] = entry
		names = append(names, name)
	}

	sort.Strings(names)

	return &Store{raw: raw, entries: entries, names: names}, nil
}

// Names returns all tensor names in sorted order.
func (s *Store) Names() []string {
	if s == nil {
		return nil
	}

	return append([]string(nil), s.names...)
}

// Has reports whether the store contains a tensor with the given name.
func (s *Store) Has(name string) bool {
	if s == nil {
		return false
	}

	_, ok := s.entries[name]

	return ok
}

// Tensor decodes the named tensor.
func (s *Store) Tensor(name string) (*Tensor, error) {
	if s == nil {
		return nil, errors.New("safetensors: store is nil")
	}

	entry, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found", name)
	}

	raw := s.raw[entry.Offsets[0]:entry.Offsets[1]]
	data := make([]float32, len(raw)/4)

	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	return &Tensor{
		Name:  name,
		Shape: append([]int64(nil), entry.Shape...),
		Data:  data,
	}, nil
}

// Encode serializes float32 tensors into the safetensors format.
func Encode(tensors []Tensor) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	sorted := make([]Tensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]headerEntry, len(sorted))
	var raw []byte

	for _, t := range sorted {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, errors.New("safetensors: tensor name must not be empty")
		}

		if _, exists := header[name]; exists {
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}

		elems, err := shapeElementCount(t.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		if int64(len(t.Data)) != elems {
			return nil, fmt.Errorf("safetensors: tensor %q shape %v expects %d elements, got %d", name, t.Shape, elems, len(t.Data))
		}

		start := len(raw)

		raw = append(raw, make([]byte, len(t.Data)*4)...)
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(raw[start+i*4:], math.Float32bits(v))
		}

		header[name] = headerEntry{
			DType:   dtypeF32,
			Shape:   append([]int64(nil), t.Shape...),
			Offsets: [2]int{start, len(raw)},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, 8, 8+len(headerJSON)+len(raw))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// WriteFile writes float32 tensors into a .safetensors file.
func WriteFile(path string, tensors []Tensor) error {
	data, err := Encode(tensors)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}

func shapeElementCount(shape []int64) (int64, error) {
	total := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("shape %v has negative dimension at %d", shape, i)
		}

		if d != 0 && total > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return total, nil
}
