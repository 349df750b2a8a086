package vlm

import (
	"math"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"vl-ground-go/vqa"
)

func testHeadConfig() HeadConfig {
	return HeadConfig{
		In:           4,
		Hidden:       8,
		Out:          2,
		BatchSize:    4,
		LearningRate: 0.01,
		Optimizer:    "adam",
		ClipNorm:     5.0,
		Seed:         1,
	}
}

func testBatch() ([][]float32, [][]float32) {
	vectors := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	targets := [][]float32{
		{1, 0},
		{0, 1},
		{1, 0},
		{0, 1},
	}
	return vectors, targets
}

func TestHeadStepReducesLoss(t *testing.T) {
	head, err := NewHead(testHeadConfig())
	if err != nil {
		t.Fatalf("NewHead failed: %v", err)
	}
	defer head.Close()

	vectors, targets := testBatch()
	first, logits, err := head.Step(vectors, targets, vqa.LossL1)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if len(logits) != 4 || len(logits[0]) != 2 {
		t.Fatalf("Expected 4x2 logits, got %dx%d", len(logits), len(logits[0]))
	}
	if math.IsNaN(first) || math.IsInf(first, 0) {
		t.Fatalf("Loss is not finite: %f", first)
	}

	var last float64
	for i := 0; i < 50; i++ {
		last, _, err = head.Step(vectors, targets, vqa.LossL1)
		if err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
	}
	if last >= first {
		t.Errorf("Expected loss to decrease on a fixed batch: first %f, last %f", first, last)
	}
}

func TestHeadStepBCE(t *testing.T) {
	cfg := testHeadConfig()
	cfg.Out = 1
	head, err := NewHead(cfg)
	if err != nil {
		t.Fatalf("NewHead failed: %v", err)
	}
	defer head.Close()

	vectors, _ := testBatch()
	targets := [][]float32{{1}, {0}, {1}, {0}}

	first, _, err := head.Step(vectors, targets, vqa.LossBCE)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	var last float64
	for i := 0; i < 50; i++ {
		last, _, err = head.Step(vectors, targets, vqa.LossBCE)
		if err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
	}
	if last >= first {
		t.Errorf("Expected BCE loss to decrease: first %f, last %f", first, last)
	}
}

func TestHeadStepValidation(t *testing.T) {
	head, err := NewHead(testHeadConfig())
	if err != nil {
		t.Fatalf("NewHead failed: %v", err)
	}
	defer head.Close()

	vectors, targets := testBatch()

	if _, _, err := head.Step(vectors[:2], targets[:2], vqa.LossL1); err == nil {
		t.Errorf("Expected error for a partial training batch")
	}
	if _, _, err := head.Step(vectors, [][]float32{{1}, {0}, {1}, {0}}, vqa.LossL1); err == nil {
		t.Errorf("Expected error for mismatched target width")
	}
}

func TestHeadPredictPadsPartialBatch(t *testing.T) {
	head, err := NewHead(testHeadConfig())
	if err != nil {
		t.Fatalf("NewHead failed: %v", err)
	}
	defer head.Close()

	vectors, _ := testBatch()
	out, err := head.Predict(vectors[:3])
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if len(out) != 3 {
		t.Errorf("Expected 3 output rows for a partial batch, got %d", len(out))
	}

	full, err := head.Predict(vectors)
	if err != nil {
		t.Fatalf("Full predict failed: %v", err)
	}
	// Padding must not change the logits of the real rows.
	for i := 0; i < 3; i++ {
		for j := range out[i] {
			if out[i][j] != full[i][j] {
				t.Errorf("Row %d differs between padded and full batch", i)
			}
		}
	}
}

func TestHeadStateDictRoundTrip(t *testing.T) {
	head, err := NewHead(testHeadConfig())
	if err != nil {
		t.Fatalf("NewHead failed: %v", err)
	}
	defer head.Close()

	vectors, targets := testBatch()
	before, err := head.Predict(vectors)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	sd := head.StateDict()
	if len(sd) != 4 {
		t.Fatalf("Expected 4 parameters, got %d", len(sd))
	}

	// Train a few steps, then restore the snapshot.
	for i := 0; i < 5; i++ {
		if _, _, err := head.Step(vectors, targets, vqa.LossL1); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	if err := head.LoadStateDict(sd); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}

	after, err := head.Predict(vectors)
	if err != nil {
		t.Fatalf("Predict after restore failed: %v", err)
	}
	for i := range before {
		for j := range before[i] {
			if before[i][j] != after[i][j] {
				t.Errorf("Restored parameters must reproduce the original logits")
			}
		}
	}
}

func TestHeadLoadStateDictNonStrict(t *testing.T) {
	head, err := NewHead(testHeadConfig())
	if err != nil {
		t.Fatalf("NewHead failed: %v", err)
	}
	defer head.Close()

	// Missing and unexpected keys are tolerated.
	sd := vqa.StateDict{
		"fc1.weight": head.StateDict()["fc1.weight"],
		"stray.key":  {Shape: []int{1}, Data: []float32{1}},
	}
	if err := head.LoadStateDict(sd); err != nil {
		t.Errorf("Non-strict load should tolerate missing/unexpected keys: %v", err)
	}

	// A shape conflict on a known key is an error.
	bad := vqa.StateDict{
		"fc2.bias": {Shape: []int{1, 5}, Data: []float32{1, 2, 3, 4, 5}},
	}
	if err := head.LoadStateDict(bad); err == nil {
		t.Errorf("Expected error for a shape conflict")
	}
}

// clipFixture builds a one-parameter graph whose gradient is gradVal in
// every slot, runs the backward pass and returns the parameter node.
func clipFixture(t *testing.T, gradVal float32) (*G.Node, G.VM) {
	t.Helper()
	g := G.NewGraph()
	w := G.NewMatrix(g, tensor.Float32, G.WithName("w"),
		G.WithValue(tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 1, 1, 1}))))
	c := G.NewMatrix(g, tensor.Float32, G.WithName("c"),
		G.WithValue(tensor.New(tensor.WithShape(2, 2),
			tensor.WithBacking([]float32{gradVal, gradVal, gradVal, gradVal}))))

	// d(sum(w*c))/dw = c, so the gradient is gradVal everywhere.
	loss := G.Must(G.Sum(G.Must(G.HadamardProd(w, c))))
	if _, err := G.Grad(loss, w); err != nil {
		t.Fatalf("Grad failed: %v", err)
	}

	vm := G.NewTapeMachine(g, G.BindDualValues(w))
	if err := vm.RunAll(); err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	return w, vm
}

func gradNorm(t *testing.T, params G.Nodes) float64 {
	t.Helper()
	var sumSq float64
	for _, p := range params {
		grad, err := p.Grad()
		if err != nil {
			t.Fatalf("Parameter %s has no gradient: %v", p.Name(), err)
		}
		for _, v := range grad.Data().([]float32) {
			sumSq += float64(v) * float64(v)
		}
	}
	return math.Sqrt(sumSq)
}

func TestClipGradNormScalesToThreshold(t *testing.T) {
	// Four gradient entries of 20 give a global L2 norm of 40.
	w, vm := clipFixture(t, 20)
	defer vm.Close()

	if norm := gradNorm(t, G.Nodes{w}); math.Abs(norm-40) > 1e-3 {
		t.Fatalf("Fixture gradient norm should be 40, got %f", norm)
	}

	if err := clipGradNorm(G.Nodes{w}, 5.0); err != nil {
		t.Fatalf("clipGradNorm failed: %v", err)
	}
	norm := gradNorm(t, G.Nodes{w})
	if norm > 5.0001 || norm < 4.99 {
		t.Errorf("Expected post-clip norm of 5, got %f", norm)
	}
}

func TestClipGradNormLeavesSmallGradients(t *testing.T) {
	// Four entries of 0.1 give a norm of 0.2, well under the threshold.
	w, vm := clipFixture(t, 0.1)
	defer vm.Close()

	if err := clipGradNorm(G.Nodes{w}, 5.0); err != nil {
		t.Fatalf("clipGradNorm failed: %v", err)
	}

	grad, err := w.Grad()
	if err != nil {
		t.Fatalf("Grad failed: %v", err)
	}
	for i, v := range grad.Data().([]float32) {
		if v != 0.1 {
			t.Errorf("Gradient slot %d should be untouched below the threshold, got %f", i, v)
		}
	}
}

func TestHeadRejectsBadConfig(t *testing.T) {
	cfg := testHeadConfig()
	cfg.Optimizer = "rmsprop"
	if _, err := NewHead(cfg); err == nil {
		t.Errorf("Expected error for unknown optimizer")
	}

	cfg = testHeadConfig()
	cfg.Hidden = 0
	if _, err := NewHead(cfg); err == nil {
		t.Errorf("Expected error for zero hidden width")
	}
}
