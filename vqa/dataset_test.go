package vqa

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func writeVocab(t *testing.T, dir string, answers []string) {
	t.Helper()
	ans2label := make(map[string]int, len(answers))
	for i, a := range answers {
		ans2label[a] = i
	}
	writeJSON(t, filepath.Join(dir, "trainval_ans2label.json"), ans2label)
	writeJSON(t, filepath.Join(dir, "trainval_label2ans.json"), answers)
}

func TestLoadVocab(t *testing.T) {
	dir := t.TempDir()
	writeVocab(t, dir, []string{"yes", "no", "pipe"})

	v, err := LoadVocab(dir)
	if err != nil {
		t.Fatalf("LoadVocab failed: %v", err)
	}
	if v.NumAnswers() != 3 {
		t.Errorf("Expected 3 answers, got %d", v.NumAnswers())
	}
	if v.Ans2Label["pipe"] != 2 || v.Label2Ans[2] != "pipe" {
		t.Errorf("Vocab round-trip broken: %v / %v", v.Ans2Label, v.Label2Ans)
	}
}

func TestLoadVocabMismatch(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "trainval_ans2label.json"), map[string]int{"yes": 0, "no": 1})
	writeJSON(t, filepath.Join(dir, "trainval_label2ans.json"), []string{"yes"})

	if _, err := LoadVocab(dir); err == nil {
		t.Errorf("Expected error for mismatched vocab sizes")
	}
}

func TestLoadVocabBrokenInverse(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "trainval_ans2label.json"), map[string]int{"yes": 0, "no": 1})
	writeJSON(t, filepath.Join(dir, "trainval_label2ans.json"), []string{"no", "yes"})

	if _, err := LoadVocab(dir); err == nil {
		t.Errorf("Expected error for broken inverse mapping")
	}
}

func TestNewDataset(t *testing.T) {
	dir := t.TempDir()
	writeVocab(t, dir, []string{"yes", "no"})
	writeJSON(t, filepath.Join(dir, "train.json"), []*Datum{
		{ImgID: "img1", QuestionID: "q1", Sent: "is it red?", Label: map[string]float64{"yes": 1}},
		{ImgID: "img2", QuestionID: "q2", Sent: "is it blue?", Label: map[string]float64{"no": 1}},
	})
	writeJSON(t, filepath.Join(dir, "extra.json"), []*Datum{
		{ImgID: "img3", QuestionID: "q3", Sent: "what is this?"},
	})

	dset, err := NewDataset(dir, "train, extra")
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}
	if dset.Len() != 3 {
		t.Errorf("Expected 3 records, got %d", dset.Len())
	}
	if !dset.HasSplit("extra") || dset.HasSplit("valid") {
		t.Errorf("Split membership wrong: %v", dset.Splits)
	}
	if dset.ID2Datum["q2"].ImgID != "img2" {
		t.Errorf("ID2Datum lookup broken")
	}
	if dset.ID2Datum["q3"].Label != nil {
		t.Errorf("Unlabeled record should have nil label")
	}
}

func TestNewDatasetMissingSplit(t *testing.T) {
	dir := t.TempDir()
	writeVocab(t, dir, []string{"yes"})

	if _, err := NewDataset(dir, "nosuch"); err == nil {
		t.Errorf("Expected error for missing split file")
	}
}
