package refexp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"vl-ground-go/vqa"
)

func writeRefJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func refFixture(t *testing.T) (string, *RefDataset) {
	t.Helper()
	dir := t.TempDir()
	writeRefJSON(t, filepath.Join(dir, "train.json"), []*RefDatum{
		{ImgID: "img1", QuestionID: "s1", Sent: "the red ball", IsMatched: 1,
			TargetBox: []float64{0.5, 0.5, 0.2, 0.2}},
		{ImgID: "img2", QuestionID: "s2", Sent: "the tall man", IsMatched: 0,
			TargetBox: []float64{0.3, 0.6, 0.1, 0.4}},
		{ImgID: "img9", QuestionID: "s3", Sent: "orphan", IsMatched: 1,
			TargetBox: []float64{0.1, 0.1, 0.1, 0.1}},
	})

	if err := vqa.WritePatches(filepath.Join(dir, "train_patches.safetensors"), []*vqa.ImageFeature{
		{ImgID: "img1", NumBoxes: 2, Features: [][]float32{{1, 2}, {3, 4}}},
		{ImgID: "img2", NumBoxes: 1, Features: [][]float32{{5, 6}}},
	}); err != nil {
		t.Fatalf("WritePatches failed: %v", err)
	}

	dset, err := NewRefDataset(dir, "train")
	if err != nil {
		t.Fatalf("NewRefDataset failed: %v", err)
	}
	return dir, dset
}

func TestNewRefDataset(t *testing.T) {
	_, dset := refFixture(t)
	if dset.Len() != 3 {
		t.Errorf("Expected 3 records, got %d", dset.Len())
	}
	if dset.ID2Datum["s2"].IsMatched != 0 {
		t.Errorf("is_matched flag not preserved")
	}
	box := dset.ID2Datum["s1"].Box()
	if len(box) != 4 || box[2] != 0.2 {
		t.Errorf("Target box wrong: %v", box)
	}
}

func TestRefDatasetValidation(t *testing.T) {
	dir := t.TempDir()

	writeRefJSON(t, filepath.Join(dir, "badbox.json"), []*RefDatum{
		{ImgID: "img1", QuestionID: "s1", Sent: "x", IsMatched: 1, TargetBox: []float64{0.5, 0.5}},
	})
	if _, err := NewRefDataset(dir, "badbox"); err == nil {
		t.Errorf("Expected error for a 2-value target box")
	}

	writeRefJSON(t, filepath.Join(dir, "badflag.json"), []*RefDatum{
		{ImgID: "img1", QuestionID: "s1", Sent: "x", IsMatched: 0.5,
			TargetBox: []float64{0.5, 0.5, 0.1, 0.1}},
	})
	if _, err := NewRefDataset(dir, "badflag"); err == nil {
		t.Errorf("Expected error for a fractional is_matched flag")
	}

	writeRefJSON(t, filepath.Join(dir, "noid.json"), []*RefDatum{
		{Sent: "x", IsMatched: 1},
	})
	if _, err := NewRefDataset(dir, "noid"); err == nil {
		t.Errorf("Expected error for a record without ids")
	}
}

func TestRefExampleSetBatches(t *testing.T) {
	dir, dset := refFixture(t)
	buf := vqa.NewFeatureBuffer(dir, "%s_patches.safetensors")

	set, err := NewRefExampleSet(dset, buf, -1)
	if err != nil {
		t.Fatalf("NewRefExampleSet failed: %v", err)
	}
	// s3's image has no feature record and must be dropped.
	if set.Len() != 2 {
		t.Fatalf("Expected 2 surviving records, got %d", set.Len())
	}

	batches := set.Batches(2, false, false, 0)
	if len(batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(batches))
	}
	b := batches[0]
	if b.Size() != 2 {
		t.Fatalf("Expected batch of 2, got %d", b.Size())
	}
	if len(b.Targets) != 2 || len(b.Targets[0]) != 4 {
		t.Errorf("Expected 4-wide box targets, got %v", b.Targets)
	}
	if len(b.Matched) != 2 || b.Matched[0] != 1 || b.Matched[1] != 0 {
		t.Errorf("Match flags wrong: %v", b.Matched)
	}
	if len(b.Boxes[0]) != vqa.NumBoxSlots {
		t.Errorf("Expected %d placeholder box slots, got %d", vqa.NumBoxSlots, len(b.Boxes[0]))
	}
}

func TestRefExampleSetDefensiveCopy(t *testing.T) {
	dir, dset := refFixture(t)
	buf := vqa.NewFeatureBuffer(dir, "%s_patches.safetensors")

	set, err := NewRefExampleSet(dset, buf, -1)
	if err != nil {
		t.Fatalf("NewRefExampleSet failed: %v", err)
	}

	_, feats := set.Get(0)
	feats[0][0] = 999
	_, again := set.Get(0)
	if again[0][0] == 999 {
		t.Errorf("Mutating returned features must not corrupt the shared buffer")
	}
}
