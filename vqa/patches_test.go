package vqa

import (
	"os"
	"path/filepath"
	"testing"
)

func sampleRecords() []*ImageFeature {
	return []*ImageFeature{
		{
			ImgID:    "img1",
			NumBoxes: 2,
			Features: [][]float32{{1, 2, 3}, {4, 5, 6}},
			Boxes:    [][]float32{{0.1, 0.2, 0.3, 0.4}, {0.5, 0.6, 0.7, 0.8}},
		},
		{
			ImgID:    "img2",
			NumBoxes: 1,
			Features: [][]float32{{7, 8, 9}},
		},
		{
			ImgID:    "img3",
			NumBoxes: 1,
			Features: [][]float32{{-1, 0, 1}},
		},
	}
}

func TestPatchesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train_patches.safetensors")
	if err := WritePatches(path, sampleRecords()); err != nil {
		t.Fatalf("WritePatches failed: %v", err)
	}

	records, err := ReadPatches(path, -1)
	if err != nil {
		t.Fatalf("ReadPatches failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}

	// Order follows the write order via the metadata entry.
	if records[0].ImgID != "img1" || records[2].ImgID != "img3" {
		t.Errorf("Record order wrong: %s, %s", records[0].ImgID, records[2].ImgID)
	}
	if records[0].Features[1][2] != 6 {
		t.Errorf("Expected feature value 6, got %f", records[0].Features[1][2])
	}
	if records[0].Boxes == nil || records[0].Boxes[1][3] != 0.8 {
		t.Errorf("Boxes not preserved: %v", records[0].Boxes)
	}
	if records[1].Boxes != nil {
		t.Errorf("Record without boxes should read back nil boxes")
	}
	if records[2].Features[0][0] != -1 {
		t.Errorf("Negative value not preserved: %f", records[2].Features[0][0])
	}
}

func TestPatchesTopK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train_patches.safetensors")
	if err := WritePatches(path, sampleRecords()); err != nil {
		t.Fatalf("WritePatches failed: %v", err)
	}

	records, err := ReadPatches(path, 2)
	if err != nil {
		t.Fatalf("ReadPatches failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Expected 2 records with topk=2, got %d", len(records))
	}
	if records[0].ImgID != "img1" || records[1].ImgID != "img2" {
		t.Errorf("topk must keep the leading records, got %s, %s",
			records[0].ImgID, records[1].ImgID)
	}
}

func TestPatchesMissingFile(t *testing.T) {
	if _, err := ReadPatches(filepath.Join(t.TempDir(), "nope.safetensors"), -1); err == nil {
		t.Errorf("Expected error for missing patch file")
	}
}

func TestPatchesTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.safetensors")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := ReadPatches(path, -1); err == nil {
		t.Errorf("Expected error for truncated patch file")
	}
}
