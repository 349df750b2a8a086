package vqa

import (
	"path/filepath"
	"testing"
)

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sd := StateDict{
		"fc1.weight": {Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		"fc1.bias":   {Shape: []int{1, 3}, Data: []float32{0.1, 0.2, 0.3}},
	}

	if err := SaveCheckpoint(dir, "BEST", sd); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	loaded, err := LoadCheckpoint(filepath.Join(dir, "BEST.pth"))
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 parameters, got %d", len(loaded))
	}
	if loaded["fc1.weight"].Data[5] != 6 {
		t.Errorf("Parameter data not preserved: %v", loaded["fc1.weight"].Data)
	}
	if loaded["fc1.bias"].Shape[1] != 3 {
		t.Errorf("Parameter shape not preserved: %v", loaded["fc1.bias"].Shape)
	}
}

func TestCheckpointSuffixOptional(t *testing.T) {
	dir := t.TempDir()
	sd := StateDict{"w": {Shape: []int{1}, Data: []float32{1}}}
	if err := SaveCheckpoint(dir, "LAST", sd); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	// Loading without the .pth suffix must work.
	if _, err := LoadCheckpoint(filepath.Join(dir, "LAST")); err != nil {
		t.Errorf("Load without suffix failed: %v", err)
	}
}

func TestCheckpointStripsModulePrefix(t *testing.T) {
	dir := t.TempDir()
	sd := StateDict{
		"module.fc1.weight": {Shape: []int{2}, Data: []float32{1, 2}},
		"fc2.weight":        {Shape: []int{2}, Data: []float32{3, 4}},
	}
	if err := SaveCheckpoint(dir, "multi", sd); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	loaded, err := LoadCheckpoint(filepath.Join(dir, "multi"))
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if _, ok := loaded["module.fc1.weight"]; ok {
		t.Errorf("module. prefix should be stripped on load")
	}
	if p, ok := loaded["fc1.weight"]; !ok || p.Data[1] != 2 {
		t.Errorf("Renamed parameter missing or wrong: %v", loaded)
	}
	if _, ok := loaded["fc2.weight"]; !ok {
		t.Errorf("Unprefixed parameter must survive untouched")
	}
}

func TestCheckpointMissingFile(t *testing.T) {
	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Errorf("Expected error for missing checkpoint")
	}
}
