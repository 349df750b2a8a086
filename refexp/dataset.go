// Package refexp implements the referring-expression grounding task: a
// sentence names a region of an image and the model regresses its bounding
// box. It reuses the core dataset plumbing and trainer; only the record
// shape, targets and scoring differ from answer classification.
package refexp

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"vl-ground-go/vqa"
)

// RefDatum is one referring-expression record. Unlike the answer-vocabulary
// records, supervision is a normalized center-format box plus a flag telling
// whether the sentence actually describes the image. Both fields are
// validated at parse time; a labeled split with a malformed box is corrupt
// data, not a record to skip.
//
//	{
//	    "img_id": "COCO_train2014_000000380440",
//	    "question_id": "85816",
//	    "sent": "the man in the red jacket",
//	    "is_matched": 1,
//	    "target_box": [0.52, 0.31, 0.18, 0.44]
//	}
type RefDatum struct {
	ImgID      string    `json:"img_id"`
	QuestionID string    `json:"question_id"`
	Sent       string    `json:"sent"`
	IsMatched  float64   `json:"is_matched"`
	TargetBox  []float64 `json:"target_box,omitempty"`
}

// validate rejects malformed records at load time.
func (d *RefDatum) validate() error {
	if d.ImgID == "" || d.QuestionID == "" {
		return fmt.Errorf("record missing img_id or question_id")
	}
	if d.IsMatched != 0 && d.IsMatched != 1 {
		return fmt.Errorf("record %s: is_matched must be 0 or 1, got %v", d.QuestionID, d.IsMatched)
	}
	if d.TargetBox != nil && len(d.TargetBox) != 4 {
		return fmt.Errorf("record %s: target_box has %d values, want 4", d.QuestionID, len(d.TargetBox))
	}
	return nil
}

// Box returns the target box as float32, or nil for unlabeled records.
func (d *RefDatum) Box() []float32 {
	if d.TargetBox == nil {
		return nil
	}
	box := make([]float32, 4)
	for i, v := range d.TargetBox {
		box[i] = float32(v)
	}
	return box
}

// RefDataset holds the raw records of one or more referring-expression
// splits. Records are immutable once loaded.
type RefDataset struct {
	Name     string
	Splits   []string
	Data     []*RefDatum
	ID2Datum map[string]*RefDatum
}

// NewRefDataset loads and concatenates the JSON records of a comma-separated
// split list from dataDir, validating each record.
func NewRefDataset(dataDir, splits string) (*RefDataset, error) {
	d := &RefDataset{
		Name:     splits,
		Splits:   vqa.SplitNames(splits),
		ID2Datum: make(map[string]*RefDatum),
	}
	if len(d.Splits) == 0 {
		return nil, fmt.Errorf("no splits given")
	}

	for _, split := range d.Splits {
		path := filepath.Join(dataDir, split+".json")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("split %q: %w", split, err)
		}
		var records []*RefDatum
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		for _, r := range records {
			if err := r.validate(); err != nil {
				return nil, fmt.Errorf("split %q: %w", split, err)
			}
		}
		d.Data = append(d.Data, records...)
	}
	log.Printf("Loaded %d records from split(s) %s", len(d.Data), d.Name)

	for _, datum := range d.Data {
		d.ID2Datum[datum.QuestionID] = datum
	}
	return d, nil
}

// Len returns the number of loaded records
func (d *RefDataset) Len() int {
	return len(d.Data)
}

// HasSplit reports whether the named logical split was requested.
func (d *RefDataset) HasSplit(name string) bool {
	for _, s := range d.Splits {
		if s == name {
			return true
		}
	}
	return false
}

// RefExampleSet joins referring-expression records with buffered image
// features. Batches carry 4-wide box targets and per-example match flags
// instead of answer-score vectors.
type RefExampleSet struct {
	Raw      *RefDataset
	data     []*RefDatum
	imgID2ft map[string]*vqa.ImageFeature
}

// NewRefExampleSet builds the joined set. The feature loading policy mirrors
// the answer task: test and valid load their full exports, everything else
// reads the train export bounded by topk (-1 for a full run).
func NewRefExampleSet(dset *RefDataset, buf *vqa.FeatureBuffer, topk int) (*RefExampleSet, error) {
	var (
		imgData []*vqa.ImageFeature
		err     error
	)
	switch {
	case dset.HasSplit("test"):
		imgData, err = buf.Load("test", -1)
	case dset.HasSplit("valid"):
		imgData, err = buf.Load("valid", -1)
	default:
		imgData, err = buf.Load("train", topk)
	}
	if err != nil {
		return nil, err
	}

	s := &RefExampleSet{
		Raw:      dset,
		imgID2ft: make(map[string]*vqa.ImageFeature, len(imgData)),
	}
	for _, ft := range imgData {
		s.imgID2ft[ft.ImgID] = ft
	}

	for _, datum := range dset.Data {
		if _, ok := s.imgID2ft[datum.ImgID]; ok {
			s.data = append(s.data, datum)
		}
	}
	log.Printf("Using %d of %d records in example set %s", len(s.data), dset.Len(), dset.Name)
	return s, nil
}

// Len returns the number of surviving records
func (s *RefExampleSet) Len() int {
	return len(s.data)
}

// Get returns the i-th surviving record joined with its feature tensor.
func (s *RefExampleSet) Get(i int) (*RefDatum, [][]float32) {
	datum := s.data[i]
	ft := s.imgID2ft[datum.ImgID]
	feats := make([][]float32, len(ft.Features))
	for j, row := range ft.Features {
		feats[j] = append([]float32(nil), row...)
	}
	return datum, feats
}

// Batches groups the surviving records into trainer batches. Targets hold
// the 4-wide boxes and Matched the per-example flags; an unlabeled split
// yields nil Targets.
func (s *RefExampleSet) Batches(batchSize int, shuffle, dropLast bool, seed int64) []*vqa.Batch {
	order := make([]int, s.Len())
	for i := range order {
		order[i] = i
	}
	if shuffle {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	var batches []*vqa.Batch
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			if dropLast {
				break
			}
			end = len(order)
		}
		b := &vqa.Batch{}
		for _, idx := range order[start:end] {
			datum, feats := s.Get(idx)
			b.QuestionIDs = append(b.QuestionIDs, datum.QuestionID)
			b.Feats = append(b.Feats, feats)
			b.Boxes = append(b.Boxes, placeholderBoxes())
			b.Sents = append(b.Sents, datum.Sent)
			b.Matched = append(b.Matched, float32(datum.IsMatched))
			if box := datum.Box(); box != nil {
				b.Targets = append(b.Targets, box)
			}
		}
		if len(b.Targets) != 0 && len(b.Targets) != b.Size() {
			b.Targets = nil
		}
		batches = append(batches, b)
	}
	return batches
}

func placeholderBoxes() []float32 {
	v := make([]float32, vqa.NumBoxSlots)
	for i := range v {
		v[i] = 1
	}
	return v
}
