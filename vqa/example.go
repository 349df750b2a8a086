package vqa

import (
	"log"
	"math/rand"
)

// Patch grid of the 32x32 feature export: features are laid out as
// [dim, h, w] with h = w = 7, plus one CLS slot.
const (
	patchGrid   = 7
	NumBoxSlots = patchGrid*patchGrid + 1
)

// Example is one training/eval example after joining a question record with
// its image features.
type Example struct {
	QuestionID string
	Feats      [][]float32 // defensive copy of the image feature tensor
	Boxes      []float32   // fixed placeholder vector, NumBoxSlots long
	Sent       string
	Target     []float32 // nil for unlabeled records
}

// Batch is the unit exchanged between an example set and the trainer.
// Targets and Matched are nil when the underlying records carry none.
type Batch struct {
	QuestionIDs []string
	Feats       [][][]float32
	Boxes       [][]float32
	Sents       []string
	Targets     [][]float32
	Matched     []float32
}

// Size returns the number of examples in the batch
func (b *Batch) Size() int {
	return len(b.QuestionIDs)
}

// ExampleSet joins a raw dataset with buffered image features, keeping only
// the records whose image has a loaded feature record.
type ExampleSet struct {
	Raw      *Dataset
	data     []*Datum
	imgID2ft map[string]*ImageFeature
}

// NewExampleSet builds the joined set. Feature loading policy follows the
// split list: testdev and valid always load their full exports, anything else
// loads the train export bounded by topk (-1 for a full run).
func NewExampleSet(dset *Dataset, buf *FeatureBuffer, topk int) (*ExampleSet, error) {
	var (
		imgData []*ImageFeature
		err     error
	)
	switch {
	case dset.HasSplit("testdev") || dset.HasSplit("testdev_all"):
		imgData, err = buf.Load("testdev", -1)
	case dset.HasSplit("valid"):
		imgData, err = buf.Load("valid", -1)
	default:
		imgData, err = buf.Load("train", topk)
	}
	if err != nil {
		return nil, err
	}

	s := &ExampleSet{
		Raw:      dset,
		imgID2ft: make(map[string]*ImageFeature, len(imgData)),
	}
	for _, ft := range imgData {
		s.imgID2ft[ft.ImgID] = ft
	}

	// Records whose image was not exported are silently excluded; only the
	// surviving count is reported.
	for _, datum := range dset.Data {
		if _, ok := s.imgID2ft[datum.ImgID]; ok {
			s.data = append(s.data, datum)
		}
	}
	log.Printf("Using %d of %d records in example set %s", len(s.data), dset.Len(), dset.Name)
	return s, nil
}

// Len returns the number of surviving records
func (s *ExampleSet) Len() int {
	return len(s.data)
}

// Get returns the i-th surviving example. The feature tensor is copied so
// that downstream mutation cannot corrupt the shared buffer; the box vector
// is the fixed placeholder the patch-based encoder expects.
func (s *ExampleSet) Get(i int) *Example {
	datum := s.data[i]
	ft := s.imgID2ft[datum.ImgID]

	ex := &Example{
		QuestionID: datum.QuestionID,
		Feats:      copyRows(ft.Features),
		Boxes:      onesVec(NumBoxSlots),
		Sent:       datum.Sent,
	}
	if datum.Label != nil {
		ex.Target = s.Raw.Vocab.TargetVector(datum.Label)
	}
	return ex
}

// Batches groups the surviving records into batches. shuffle and dropLast
// mirror the training data-loader settings; evaluation uses neither.
func (s *ExampleSet) Batches(batchSize int, shuffle, dropLast bool, seed int64) []*Batch {
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

	var batches []*Batch
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			if dropLast {
				break
			}
			end = len(order)
		}
		b := &Batch{}
		for _, idx := range order[start:end] {
			ex := s.Get(idx)
			b.QuestionIDs = append(b.QuestionIDs, ex.QuestionID)
			b.Feats = append(b.Feats, ex.Feats)
			b.Boxes = append(b.Boxes, ex.Boxes)
			b.Sents = append(b.Sents, ex.Sent)
			if ex.Target != nil {
				b.Targets = append(b.Targets, ex.Target)
			}
		}
		if len(b.Targets) != 0 && len(b.Targets) != b.Size() {
			// Mixed labeled/unlabeled batch: treat as unlabeled, the
			// scorer still sees the predictions.
			b.Targets = nil
		}
		batches = append(batches, b)
	}
	return batches
}

// TargetVector scatters per-answer scores into a dense vector of vocabulary
// size. Answers absent from the vocabulary are dropped.
func (v *Vocab) TargetVector(label map[string]float64) []float32 {
	target := make([]float32, v.NumAnswers())
	for ans, score := range label {
		if idx, ok := v.Ans2Label[ans]; ok {
			target[idx] = float32(score)
		}
	}
	return target
}

func copyRows(rows [][]float32) [][]float32 {
	out := make([][]float32, len(rows))
	for i, row := range rows {
		out[i] = append([]float32(nil), row...)
	}
	return out
}

func onesVec(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
