// Package weights reads and writes named float tensors in the safetensors
// container format used to ship the trained segmentation checkpoint.
package weights

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/tonk/lesionseg/pkg/tensor"
)

// ErrFormat is returned (wrapped) for malformed containers.
var ErrFormat = errors.New("weights: malformed safetensors file")

const (
	maxHeaderSize = 100 << 20
	metadataKey   = "__metadata__"
)

// StateDict maps parameter names to tensors.
type StateDict map[string]*tensor.Tensor

// Names returns the parameter names in sorted order.
func (sd StateDict) Names() []string {
	names := make([]string, 0, len(sd))
	for k := range sd {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Info describes one stored tensor without its data.
type Info struct {
	Name  string
	DType string
	Shape []int
	Bytes int64
}

type headerEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// LoadFile reads a safetensors file from disk.
func LoadFile(path string) (StateDict, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	return Decode(data)
}

// Decode parses an in-memory safetensors container. All supported dtypes
// are converted to float32.
func Decode(data []byte) (StateDict, map[string]string, error) {
	header, meta, body, err := parseHeader(data)
	if err != nil {
		return nil, nil, err
	}

	sd := make(StateDict, len(header))
	for name, e := range header {
		raw := body[e.DataOffsets[0]:e.DataOffsets[1]]
		vals, err := toFloat32(e.DType, raw)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		t, err := tensor.FromData(vals, e.Shape...)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		sd[name] = t
	}
	return sd, meta, nil
}

// Inspect lists the tensors of a container without converting their data.
func Inspect(data []byte) ([]Info, map[string]string, error) {
	header, meta, _, err := parseHeader(data)
	if err != nil {
		return nil, nil, err
	}
	infos := make([]Info, 0, len(header))
	for name, e := range header {
		infos = append(infos, Info{
			Name:  name,
			DType: e.DType,
			Shape: e.Shape,
			Bytes: e.DataOffsets[1] - e.DataOffsets[0],
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, meta, nil
}

func parseHeader(data []byte) (map[string]headerEntry, map[string]string, []byte, error) {
	if len(data) < 8 {
		return nil, nil, nil, fmt.Errorf("%w: %d bytes", ErrFormat, len(data))
	}
	n := binary.LittleEndian.Uint64(data[:8])
	if n > maxHeaderSize || n > uint64(len(data)-8) {
		return nil, nil, nil, fmt.Errorf("%w: header length %d", ErrFormat, n)
	}
	rawHeader := data[8 : 8+n]
	body := data[8+n:]

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(rawHeader, &entries); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	header := make(map[string]headerEntry, len(entries))
	var meta map[string]string
	type span struct {
		name       string
		start, end int64
	}
	spans := make([]span, 0, len(entries))
	for name, raw := range entries {
		if name == metadataKey {
			if err := json.Unmarshal(raw, &meta); err != nil {
				return nil, nil, nil, fmt.Errorf("%w: metadata: %v", ErrFormat, err)
			}
			continue
		}
		var e headerEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: tensor %q: %v", ErrFormat, name, err)
		}
		start, end := e.DataOffsets[0], e.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(body)) {
			return nil, nil, nil, fmt.Errorf("%w: tensor %q offsets [%d, %d) outside %d byte body", ErrFormat, name, start, end, len(body))
		}
		size, ok := dtypeSize(e.DType)
		if !ok {
			return nil, nil, nil, fmt.Errorf("%w: tensor %q has unsupported dtype %s", ErrFormat, name, e.DType)
		}
		count := int64(1)
		for _, d := range e.Shape {
			count *= int64(d)
		}
		if count*size != end-start {
			return nil, nil, nil, fmt.Errorf("%w: tensor %q shape %v does not match %d bytes", ErrFormat, name, e.Shape, end-start)
		}
		header[name] = e
		spans = append(spans, span{name, start, end})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return nil, nil, nil, fmt.Errorf("%w: tensors %q and %q overlap", ErrFormat, spans[i-1].name, spans[i].name)
		}
	}
	return header, meta, body, nil
}

func dtypeSize(dtype string) (int64, bool) {
	switch dtype {
	case "F32":
		return 4, true
	case "F16", "BF16":
		return 2, true
	case "F64":
		return 8, true
	}
	return 0, false
}

func toFloat32(dtype string, raw []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "F64":
		out := make([]float32, len(raw)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return out, nil
	case "BF16":
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
		return out, nil
	case "F16":
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = halfToFloat(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported dtype %s", ErrFormat, dtype)
}

func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal: renormalize
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
}

// Encode serializes sd as an F32 safetensors container. Tensors are laid out
// in name order so the output is deterministic.
func Encode(w io.Writer, sd StateDict, meta map[string]string) error {
	header := make(map[string]any, len(sd)+1)
	if len(meta) > 0 {
		header[metadataKey] = meta
	}
	var offset int64
	names := sd.Names()
	for _, name := range names {
		t := sd[name]
		size := int64(t.Len()) * 4
		header[name] = headerEntry{DType: "F32", Shape: t.Shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	// pad the header to an 8-byte boundary as the reference writer does
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range sd[name].Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveFile writes sd to path.
func SaveFile(path string, sd StateDict, meta map[string]string) error {
	var buf bytes.Buffer
	if err := Encode(&buf, sd, meta); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write weights file: %w", err)
	}
	return nil
}
