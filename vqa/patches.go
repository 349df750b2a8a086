package vqa

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ImageFeature is the per-image record produced by the feature extraction
// pipeline: patch (or detection-box) features plus optional box coordinates.
// Instances are shared read-only across example sets; callers that need to
// mutate feature data must copy it first.
type ImageFeature struct {
	ImgID    string
	NumBoxes int
	Features [][]float32 // [NumBoxes][dim]
	Boxes    [][]float32 // [NumBoxes][4], nil when the export carries none
}

// tensorInfo describes one tensor in the container header
type tensorInfo struct {
	Dtype  string   `json:"dtype"`
	Shape  []int    `json:"shape"`
	Offset [2]int64 `json:"data_offsets"`
}

type patchMetadata struct {
	ImgIDs string `json:"img_ids"`
}

// ReadPatches loads image feature records from a safetensors-style container:
// a u64-LE header length, a JSON header mapping "<imgID>/features" and
// "<imgID>/boxes" to tensor descriptors, and a raw little-endian f32 payload.
// topk limits the number of images loaded (-1 loads everything); record order
// follows the img_ids metadata entry written by WritePatches.
func ReadPatches(path string, topk int) ([]*ImageFeature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read patch file: %w", err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("patch file %s too short", path)
	}

	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("patch file %s: header size %d exceeds file", path, headerSize)
	}
	headerBytes := data[8 : 8+headerSize]
	payload := data[8+headerSize:]

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, fmt.Errorf("failed to parse patch header: %w", err)
	}

	imgIDs, err := headerImageIDs(rawHeader)
	if err != nil {
		return nil, fmt.Errorf("patch file %s: %w", path, err)
	}
	if topk >= 0 && topk < len(imgIDs) {
		imgIDs = imgIDs[:topk]
	}

	records := make([]*ImageFeature, 0, len(imgIDs))
	for _, id := range imgIDs {
		feats, err := readTensor(rawHeader, payload, id+"/features")
		if err != nil {
			return nil, err
		}
		rec := &ImageFeature{
			ImgID:    id,
			NumBoxes: len(feats),
			Features: feats,
		}
		if _, ok := rawHeader[id+"/boxes"]; ok {
			boxes, err := readTensor(rawHeader, payload, id+"/boxes")
			if err != nil {
				return nil, err
			}
			rec.Boxes = boxes
		}
		records = append(records, rec)
	}

	fmt.Printf("✓ Loaded %d image feature records from %s (fingerprint %016x)\n",
		len(records), path, xxhash.Sum64(data))
	return records, nil
}

// WritePatches writes image feature records into the container format read by
// ReadPatches. Used by the feature-extraction tooling and by tests.
func WritePatches(path string, records []*ImageFeature) error {
	header := make(map[string]interface{}, 2*len(records)+1)
	ids := make([]string, 0, len(records))

	var payload []byte
	put := func(name string, rows [][]float32) {
		dim := 0
		if len(rows) > 0 {
			dim = len(rows[0])
		}
		start := int64(len(payload))
		for _, row := range rows {
			for _, v := range row {
				var buf [4]byte
				binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
				payload = append(payload, buf[:]...)
			}
		}
		header[name] = tensorInfo{
			Dtype:  "F32",
			Shape:  []int{len(rows), dim},
			Offset: [2]int64{start, int64(len(payload))},
		}
	}

	for _, rec := range records {
		ids = append(ids, rec.ImgID)
		put(rec.ImgID+"/features", rec.Features)
		if rec.Boxes != nil {
			put(rec.ImgID+"/boxes", rec.Boxes)
		}
	}
	header["__metadata__"] = patchMetadata{ImgIDs: strings.Join(ids, ",")}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode patch header: %w", err)
	}

	out := make([]byte, 8, 8+len(headerBytes)+len(payload))
	binary.LittleEndian.PutUint64(out, uint64(len(headerBytes)))
	out = append(out, headerBytes...)
	out = append(out, payload...)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write patch file: %w", err)
	}
	return nil
}

// headerImageIDs recovers the image order, preferring the metadata entry and
// falling back to sorted header keys for containers written by other tools.
func headerImageIDs(header map[string]json.RawMessage) ([]string, error) {
	if raw, ok := header["__metadata__"]; ok {
		var meta patchMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("bad __metadata__ entry: %w", err)
		}
		if meta.ImgIDs == "" {
			return nil, nil
		}
		return strings.Split(meta.ImgIDs, ","), nil
	}

	seen := make(map[string]bool)
	var ids []string
	for name := range header {
		i := strings.IndexByte(name, '/')
		if i <= 0 {
			continue
		}
		id := name[:i]
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func readTensor(header map[string]json.RawMessage, payload []byte, name string) ([][]float32, error) {
	raw, ok := header[name]
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}
	var info tensorInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("bad descriptor for %s: %w", name, err)
	}
	if info.Dtype != "F32" {
		return nil, fmt.Errorf("unsupported dtype %s for %s", info.Dtype, name)
	}
	if len(info.Shape) != 2 {
		return nil, fmt.Errorf("tensor %s: want rank 2, got shape %v", name, info.Shape)
	}
	rows, cols := info.Shape[0], info.Shape[1]

	start, end := info.Offset[0], info.Offset[1]
	if start < 0 || end > int64(len(payload)) || end-start != int64(rows*cols*4) {
		return nil, fmt.Errorf("tensor %s: offsets [%d,%d) inconsistent with shape %v",
			name, start, end, info.Shape)
	}
	raw32 := payload[start:end]

	out := make([][]float32, rows)
	for r := 0; r < rows; r++ {
		row := make([]float32, cols)
		for c := 0; c < cols; c++ {
			bits := binary.LittleEndian.Uint32(raw32[(r*cols+c)*4:])
			row[c] = math.Float32frombits(bits)
		}
		out[r] = row
	}
	return out, nil
}
