package refexp

import (
	"sort"

	"gonum.org/v1/gonum/floats"

	"vl-ground-go/vqa"
)

// iouThreshold is the localization accuracy cutoff: a prediction counts as
// correct when its IoU with the ground-truth box reaches 0.5.
const iouThreshold = 0.5

// CenterToCorners converts a normalized (cx, cy, w, h) box to
// (x1, y1, x2, y2) corner form.
func CenterToCorners(box []float32) [4]float64 {
	cx, cy := float64(box[0]), float64(box[1])
	w, h := float64(box[2]), float64(box[3])
	return [4]float64{cx - w/2, cy - h/2, cx + w/2, cy + h/2}
}

// IoU computes the intersection-over-union of two center-format boxes.
// Degenerate boxes with no area yield 0.
func IoU(a, b []float32) float64 {
	ca, cb := CenterToCorners(a), CenterToCorners(b)

	ix := min(ca[2], cb[2]) - max(ca[0], cb[0])
	iy := min(ca[3], cb[3]) - max(ca[1], cb[1])
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy

	areaA := (ca[2] - ca[0]) * (ca[3] - ca[1])
	areaB := (cb[2] - cb[0]) * (cb[3] - cb[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// RefEvaluator scores predicted boxes against the ground-truth boxes of its
// dataset.
type RefEvaluator struct {
	Dataset *RefDataset
}

// NewRefEvaluator creates an evaluator over the given raw dataset
func NewRefEvaluator(dset *RefDataset) *RefEvaluator {
	return &RefEvaluator{Dataset: dset}
}

// Evaluate computes localization accuracy: the fraction of predicted boxes
// whose IoU with the ground truth reaches the threshold. Predictions for
// unknown or unlabeled ids score 0.
func (e *RefEvaluator) Evaluate(quesid2box map[string][]float32) float64 {
	if len(quesid2box) == 0 {
		return 0
	}
	hits := 0
	for quesid, box := range quesid2box {
		datum, ok := e.Dataset.ID2Datum[quesid]
		if !ok || datum.TargetBox == nil {
			continue
		}
		if IoU(box, datum.Box()) >= iouThreshold {
			hits++
		}
	}
	return float64(hits) / float64(len(quesid2box))
}

// MeanIoU computes the mean IoU of the predictions against ground truth.
// Predictions for unknown or unlabeled ids contribute 0.
func (e *RefEvaluator) MeanIoU(quesid2box map[string][]float32) float64 {
	if len(quesid2box) == 0 {
		return 0
	}
	ious := make([]float64, 0, len(quesid2box))
	for quesid, box := range quesid2box {
		datum, ok := e.Dataset.ID2Datum[quesid]
		if !ok || datum.TargetBox == nil {
			ious = append(ious, 0)
			continue
		}
		ious = append(ious, IoU(box, datum.Box()))
	}
	return floats.Sum(ious) / float64(len(ious))
}

// OracleScore scores the ground-truth boxes against themselves. The result
// is the upper bound a perfect regressor could reach on the set: 1 for
// every labeled record with a non-degenerate box.
func (e *RefEvaluator) OracleScore(set *RefExampleSet) float64 {
	quesid2box := make(map[string][]float32, set.Len())
	for i := 0; i < set.Len(); i++ {
		datum, _ := set.Get(i)
		if box := datum.Box(); box != nil {
			quesid2box[datum.QuestionID] = box
		}
	}
	return e.Evaluate(quesid2box)
}

// BoxSubmissionEntry is one row of the box submission format. Question ids
// stay string-typed for the same compatibility reason as the answer task.
type BoxSubmissionEntry struct {
	QuestionID string    `json:"questionId"`
	Prediction []float32 `json:"prediction"`
}

// DumpResult writes the predicted boxes as a JSON array, sorted by question
// id and indented.
func (e *RefEvaluator) DumpResult(quesid2box map[string][]float32, path string) error {
	result := make([]BoxSubmissionEntry, 0, len(quesid2box))
	for quesid, box := range quesid2box {
		result = append(result, BoxSubmissionEntry{QuestionID: quesid, Prediction: box})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].QuestionID < result[j].QuestionID
	})
	return vqa.SaveJSON(result, path)
}

// BoxScorer adapts 4-wide box logits to the evaluator for the trainer's
// scoring hook.
type BoxScorer struct {
	evaluator  *RefEvaluator
	quesid2box map[string][]float32
}

// NewBoxScorer creates a scorer backed by the given evaluator
func NewBoxScorer(e *RefEvaluator) *BoxScorer {
	return &BoxScorer{
		evaluator:  e,
		quesid2box: make(map[string][]float32),
	}
}

// Record stores the predicted box for one question id
func (s *BoxScorer) Record(quesid string, logits []float32) {
	if len(logits) != 4 {
		return
	}
	s.quesid2box[quesid] = append([]float32(nil), logits...)
}

// Score evaluates all recorded predictions
func (s *BoxScorer) Score() float64 {
	return s.evaluator.Evaluate(s.quesid2box)
}

// Reset clears recorded predictions
func (s *BoxScorer) Reset() {
	s.quesid2box = make(map[string][]float32)
}

// Dump writes the recorded boxes in submission format
func (s *BoxScorer) Dump(path string) error {
	return s.evaluator.DumpResult(s.quesid2box, path)
}

// MeanIoUOf reports the mean IoU of the currently recorded predictions.
func (s *BoxScorer) MeanIoUOf() float64 {
	return s.evaluator.MeanIoU(s.quesid2box)
}

var _ vqa.Scorer = (*BoxScorer)(nil)
