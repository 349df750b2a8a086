package vqa

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Evaluator scores predicted answers against the ground-truth label mappings
// of its dataset.
type Evaluator struct {
	Dataset *Dataset
}

// NewEvaluator creates an evaluator over the given raw dataset
func NewEvaluator(dset *Dataset) *Evaluator {
	return &Evaluator{Dataset: dset}
}

// Evaluate computes the mean per-example score of a question-id→answer
// mapping: a prediction earns its annotated score when it appears in the
// ground-truth label mapping, zero otherwise (soft accuracy).
func (e *Evaluator) Evaluate(quesid2ans map[string]string) float64 {
	if len(quesid2ans) == 0 {
		return 0
	}
	scores := make([]float64, 0, len(quesid2ans))
	for quesid, ans := range quesid2ans {
		datum, ok := e.Dataset.ID2Datum[quesid]
		if !ok || datum.Label == nil {
			scores = append(scores, 0)
			continue
		}
		scores = append(scores, datum.Label[ans])
	}
	return floats.Sum(scores) / float64(len(scores))
}

// SubmissionEntry is one row of the challenge submission format. The server
// requires string-typed question ids even though they are logically numeric.
type SubmissionEntry struct {
	QuestionID string `json:"questionId"`
	Prediction string `json:"prediction"`
}

// DumpResult writes the prediction mapping as a challenge-submittable JSON
// array, sorted by question id and indented.
func (e *Evaluator) DumpResult(quesid2ans map[string]string, path string) error {
	result := make([]SubmissionEntry, 0, len(quesid2ans))
	for quesid, ans := range quesid2ans {
		result = append(result, SubmissionEntry{QuestionID: quesid, Prediction: ans})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].QuestionID < result[j].QuestionID
	})
	return SaveJSON(result, path)
}

// SaveJSON writes v to path as indented JSON
func SaveJSON(v interface{}, path string) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// AnswerScorer adapts answer-vector logits to the evaluator: argmax over the
// vocabulary picks the predicted answer string.
type AnswerScorer struct {
	evaluator *Evaluator
	quesid2ans map[string]string
}

// NewAnswerScorer creates a scorer backed by the given evaluator
func NewAnswerScorer(e *Evaluator) *AnswerScorer {
	return &AnswerScorer{
		evaluator:  e,
		quesid2ans: make(map[string]string),
	}
}

// Record stores the prediction for one question id
func (s *AnswerScorer) Record(quesid string, logits []float32) {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	if best < len(s.evaluator.Dataset.Vocab.Label2Ans) {
		s.quesid2ans[quesid] = s.evaluator.Dataset.Vocab.Label2Ans[best]
	}
}

// Score evaluates all recorded predictions
func (s *AnswerScorer) Score() float64 {
	return s.evaluator.Evaluate(s.quesid2ans)
}

// Reset clears recorded predictions
func (s *AnswerScorer) Reset() {
	s.quesid2ans = make(map[string]string)
}

// Dump writes the recorded predictions in submission format
func (s *AnswerScorer) Dump(path string) error {
	return s.evaluator.DumpResult(s.quesid2ans, path)
}
