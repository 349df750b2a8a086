package vqa

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Datum is one GQA question record as it appears in the split JSON files:
//
//	{
//	    "img_id": "2375429",
//	    "label": {"pipe": 1.0},
//	    "question_id": "07333408",
//	    "sent": "What is on the white wall?"
//	}
//
// Label is nil for unlabeled (test) records.
type Datum struct {
	ImgID      string             `json:"img_id"`
	QuestionID string             `json:"question_id"`
	Sent       string             `json:"sent"`
	Label      map[string]float64 `json:"label,omitempty"`
}

// Vocab is the bidirectional answer vocabulary. Ans2Label and Label2Ans are
// required to be exact inverses of each other.
type Vocab struct {
	Ans2Label map[string]int
	Label2Ans []string
}

// NumAnswers returns the vocabulary size
func (v *Vocab) NumAnswers() int {
	return len(v.Ans2Label)
}

// LoadVocab reads the answer vocabulary pair from dataDir and verifies the
// bijection. A size mismatch or a broken round-trip is an error: the two
// files come from the same export and disagreement means corrupt data.
func LoadVocab(dataDir string) (*Vocab, error) {
	v := &Vocab{}
	if err := readJSON(filepath.Join(dataDir, "trainval_ans2label.json"), &v.Ans2Label); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dataDir, "trainval_label2ans.json"), &v.Label2Ans); err != nil {
		return nil, err
	}

	if len(v.Ans2Label) != len(v.Label2Ans) {
		return nil, fmt.Errorf("vocab size mismatch: %d answers vs %d labels",
			len(v.Ans2Label), len(v.Label2Ans))
	}
	for ans, label := range v.Ans2Label {
		if label < 0 || label >= len(v.Label2Ans) {
			return nil, fmt.Errorf("label %d for answer %q out of range", label, ans)
		}
		if v.Label2Ans[label] != ans {
			return nil, fmt.Errorf("vocab round-trip broken: label %d maps to %q, want %q",
				label, v.Label2Ans[label], ans)
		}
	}
	return v, nil
}

// Dataset holds the raw question records of one or more splits plus the
// global answer vocabulary. Records are immutable once loaded.
type Dataset struct {
	Name   string
	Splits []string
	Data   []*Datum
	ID2Datum map[string]*Datum
	Vocab  *Vocab
}

// NewDataset loads and concatenates the JSON records of a comma-separated
// split list from dataDir.
func NewDataset(dataDir, splits string) (*Dataset, error) {
	d := &Dataset{
		Name:     splits,
		Splits:   SplitNames(splits),
		ID2Datum: make(map[string]*Datum),
	}
	if len(d.Splits) == 0 {
		return nil, fmt.Errorf("no splits given")
	}

	for _, split := range d.Splits {
		var records []*Datum
		if err := readJSON(filepath.Join(dataDir, split+".json"), &records); err != nil {
			return nil, fmt.Errorf("split %q: %w", split, err)
		}
		d.Data = append(d.Data, records...)
	}
	log.Printf("Loaded %d records from split(s) %s", len(d.Data), d.Name)

	for _, datum := range d.Data {
		d.ID2Datum[datum.QuestionID] = datum
	}

	vocab, err := LoadVocab(dataDir)
	if err != nil {
		return nil, err
	}
	d.Vocab = vocab
	return d, nil
}

// Len returns the number of loaded records
func (d *Dataset) Len() int {
	return len(d.Data)
}

// NumAnswers returns the answer vocabulary size
func (d *Dataset) NumAnswers() int {
	return d.Vocab.NumAnswers()
}

// HasSplit reports whether the named logical split was requested.
func (d *Dataset) HasSplit(name string) bool {
	for _, s := range d.Splits {
		if s == name {
			return true
		}
	}
	return false
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
