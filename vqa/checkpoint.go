package vqa

import (
	"encoding/gob"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Param is one named parameter tensor of a state dict.
type Param struct {
	Shape []int
	Data  []float32
}

// StateDict is a flat name→tensor mapping of model parameters, the unit
// persisted to and restored from checkpoint files.
type StateDict map[string]*Param

// Checkpoint is the on-disk envelope around a state dict.
type Checkpoint struct {
	RunID     string
	CreatedAt time.Time
	Checksum  uint64
	Params    StateDict
}

// checksum hashes parameter names and data in a stable order
func (sd StateDict) checksum() uint64 {
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)

	h := xxhash.New()
	var buf [4]byte
	for _, name := range names {
		h.WriteString(name)
		for _, v := range sd[name].Data {
			bits := math.Float32bits(v)
			buf[0] = byte(bits)
			buf[1] = byte(bits >> 8)
			buf[2] = byte(bits >> 16)
			buf[3] = byte(bits >> 24)
			h.Write(buf[:])
		}
	}
	return h.Sum64()
}

// SaveCheckpoint persists a state dict under dir as "<tag>.pth".
func SaveCheckpoint(dir, tag string, sd StateDict) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	ckpt := &Checkpoint{
		RunID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Checksum:  sd.checksum(),
		Params:    sd,
	}

	path := filepath.Join(dir, tag+".pth")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(ckpt); err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", path, err)
	}
	log.Printf("Saved checkpoint %s", path)
	return nil
}

// LoadCheckpoint reads a checkpoint from path (the ".pth" suffix may be
// omitted). Parameter keys carrying the "module." prefix left behind by
// multi-device training are renamed before the dict is returned. A checksum
// mismatch is reported but not fatal.
func LoadCheckpoint(path string) (StateDict, error) {
	if !strings.HasSuffix(path, ".pth") {
		path += ".pth"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	var ckpt Checkpoint
	if err := gob.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}

	sd := make(StateDict, len(ckpt.Params))
	for name, p := range ckpt.Params {
		sd[strings.TrimPrefix(name, "module.")] = p
	}

	if ckpt.Checksum != 0 && sd.checksum() != ckpt.Checksum && !hasModulePrefix(ckpt.Params) {
		log.Printf("Warning: checkpoint %s checksum mismatch", path)
	}
	log.Printf("Loaded checkpoint %s (run %s, saved %s)", path, ckpt.RunID,
		ckpt.CreatedAt.Format(time.RFC3339))
	return sd, nil
}

func hasModulePrefix(sd StateDict) bool {
	for name := range sd {
		if strings.HasPrefix(name, "module.") {
			return true
		}
	}
	return false
}
