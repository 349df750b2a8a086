package vlm

import (
	"fmt"
	"log"
	"math"
	"math/rand"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"vl-ground-go/vqa"
)

// HeadConfig sizes the trainable head and its optimizer.
type HeadConfig struct {
	In           int // encoder embedding width
	Hidden       int
	Out          int // answer vocabulary size, 4 for boxes, 1 for match logits
	BatchSize    int
	LearningRate float64
	Optimizer    string // "adam" or "sgd"
	ClipNorm     float64
	Seed         int64
}

// Head is the trainable part of the model: a two-layer MLP over the frozen
// encoder's pooled embeddings, differentiated and updated by gorgonia.
// Training graphs are compiled per loss kind with a fixed batch size (the
// training loader drops the last partial batch); the inference graph pads
// partial batches instead.
type Head struct {
	cfg    HeadConfig
	solver G.Solver

	// canonical parameter storage, shared with every compiled graph
	params map[string]*tensor.Dense

	trainGraphs map[vqa.LossKind]*headGraph
	predGraph   *headGraph
}

// headGraph is one compiled forward (and optionally backward) pass.
type headGraph struct {
	g      *G.ExprGraph
	x, y   *G.Node
	out    *G.Node
	loss   *G.Node
	params G.Nodes
	vm     G.VM
}

var headParamNames = []string{"fc1.weight", "fc1.bias", "fc2.weight", "fc2.bias"}

// NewHead creates a head with Glorot-initialized parameters.
func NewHead(cfg HeadConfig) (*Head, error) {
	if cfg.In < 1 || cfg.Hidden < 1 || cfg.Out < 1 || cfg.BatchSize < 1 {
		return nil, fmt.Errorf("invalid head dimensions: in=%d hidden=%d out=%d batch=%d",
			cfg.In, cfg.Hidden, cfg.Out, cfg.BatchSize)
	}

	var solver G.Solver
	switch cfg.Optimizer {
	case "adam":
		solver = G.NewAdamSolver(G.WithLearnRate(cfg.LearningRate))
	case "sgd":
		solver = G.NewVanillaSolver(G.WithLearnRate(cfg.LearningRate))
	default:
		return nil, fmt.Errorf("unknown optimizer %q (want adam or sgd)", cfg.Optimizer)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	h := &Head{
		cfg:    cfg,
		solver: solver,
		params: map[string]*tensor.Dense{
			"fc1.weight": glorot(rng, cfg.In, cfg.Hidden),
			"fc1.bias":   zeros(1, cfg.Hidden),
			"fc2.weight": glorot(rng, cfg.Hidden, cfg.Out),
			"fc2.bias":   zeros(1, cfg.Out),
		},
		trainGraphs: make(map[vqa.LossKind]*headGraph),
	}
	return h, nil
}

func glorot(rng *rand.Rand, rows, cols int) *tensor.Dense {
	scale := math.Sqrt(2.0 / float64(rows+cols))
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32(rng.NormFloat64() * scale)
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
}

func zeros(rows, cols int) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(make([]float32, rows*cols)))
}

// forward wires x through the MLP on graph g, binding the parameter nodes to
// the head's canonical tensors so every graph sees optimizer updates.
func (h *Head) forward(g *G.ExprGraph) (x, out *G.Node, params G.Nodes, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("graph construction failed: %v", r)
		}
	}()

	x = G.NewMatrix(g, tensor.Float32, G.WithShape(h.cfg.BatchSize, h.cfg.In), G.WithName("x"))
	w1 := G.NewMatrix(g, tensor.Float32, G.WithName("fc1.weight"), G.WithValue(h.params["fc1.weight"]))
	b1 := G.NewMatrix(g, tensor.Float32, G.WithName("fc1.bias"), G.WithValue(h.params["fc1.bias"]))
	w2 := G.NewMatrix(g, tensor.Float32, G.WithName("fc2.weight"), G.WithValue(h.params["fc2.weight"]))
	b2 := G.NewMatrix(g, tensor.Float32, G.WithName("fc2.bias"), G.WithValue(h.params["fc2.bias"]))

	hidden := G.Must(G.Mul(x, w1))
	hidden = G.Must(G.BroadcastAdd(hidden, b1, nil, []byte{0}))
	hidden = G.Must(G.Rectify(hidden))
	out = G.Must(G.Mul(hidden, w2))
	out = G.Must(G.BroadcastAdd(out, b2, nil, []byte{0}))

	return x, out, G.Nodes{w1, b1, w2, b2}, nil
}

// trainGraph compiles (once per loss kind) the forward+backward pass.
func (h *Head) trainGraph(kind vqa.LossKind) (*headGraph, error) {
	if hg, ok := h.trainGraphs[kind]; ok {
		return hg, nil
	}

	g := G.NewGraph()
	x, out, params, err := h.forward(g)
	if err != nil {
		return nil, err
	}
	y := G.NewMatrix(g, tensor.Float32, G.WithShape(h.cfg.BatchSize, h.cfg.Out), G.WithName("y"))

	var loss *G.Node
	switch kind {
	case vqa.LossL1:
		// |out - y| summed over elements, divided by batch size.
		diff := G.Must(G.Abs(G.Must(G.Sub(out, y))))
		sum := G.Must(G.Sum(diff))
		loss = G.Must(G.Div(sum, G.NewConstant(float32(h.cfg.BatchSize))))
	case vqa.LossBCE:
		// Numerically stable BCE-with-logits:
		// max(x,0) - x*y + log(1 + exp(-|x|)), averaged.
		relu := G.Must(G.Rectify(out))
		xy := G.Must(G.HadamardProd(out, y))
		softplus := G.Must(G.Log1p(G.Must(G.Exp(G.Must(G.Neg(G.Must(G.Abs(out))))))))
		loss = G.Must(G.Mean(G.Must(G.Add(G.Must(G.Sub(relu, xy)), softplus))))
	default:
		return nil, fmt.Errorf("unknown loss kind %d", kind)
	}

	if _, err := G.Grad(loss, params...); err != nil {
		return nil, fmt.Errorf("failed to build gradient: %w", err)
	}

	hg := &headGraph{
		g:      g,
		x:      x,
		y:      y,
		out:    out,
		loss:   loss,
		params: params,
		vm:     G.NewTapeMachine(g, G.BindDualValues(params...)),
	}
	h.trainGraphs[kind] = hg
	return hg, nil
}

// Step runs one training step: forward, loss, backward, global-norm clip,
// optimizer update. The batch must be exactly the configured batch size and
// the target width must match the head output width.
func (h *Head) Step(vectors [][]float32, targets [][]float32, kind vqa.LossKind) (float64, [][]float32, error) {
	if len(vectors) != h.cfg.BatchSize {
		return 0, nil, fmt.Errorf("step needs a full batch of %d, got %d", h.cfg.BatchSize, len(vectors))
	}
	if len(targets) != len(vectors) {
		return 0, nil, fmt.Errorf("targets/vectors length mismatch: %d vs %d", len(targets), len(vectors))
	}
	if len(targets[0]) != h.cfg.Out {
		return 0, nil, fmt.Errorf("logit width %d does not match target width %d", h.cfg.Out, len(targets[0]))
	}

	hg, err := h.trainGraph(kind)
	if err != nil {
		return 0, nil, err
	}

	if err := G.Let(hg.x, h.denseOf(vectors, h.cfg.In)); err != nil {
		return 0, nil, fmt.Errorf("failed to bind inputs: %w", err)
	}
	if err := G.Let(hg.y, h.denseOf(targets, h.cfg.Out)); err != nil {
		return 0, nil, fmt.Errorf("failed to bind targets: %w", err)
	}

	if err := hg.vm.RunAll(); err != nil {
		return 0, nil, fmt.Errorf("train step failed: %w", err)
	}

	if err := clipGradNorm(hg.params, h.cfg.ClipNorm); err != nil {
		hg.vm.Reset()
		return 0, nil, err
	}
	if err := h.solver.Step(G.NodesToValueGrads(hg.params)); err != nil {
		hg.vm.Reset()
		return 0, nil, fmt.Errorf("optimizer step failed: %w", err)
	}

	lossVal := float64(hg.loss.Value().Data().(float32))
	logits := rowsOf(hg.out.Value(), h.cfg.BatchSize, h.cfg.Out)
	hg.vm.Reset()
	return lossVal, logits, nil
}

// Predict runs a gradient-free forward pass. Partial batches are padded with
// zero rows and the padding stripped from the result.
func (h *Head) Predict(vectors [][]float32) ([][]float32, error) {
	n := len(vectors)
	if n == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if n > h.cfg.BatchSize {
		return nil, fmt.Errorf("batch of %d exceeds configured batch size %d", n, h.cfg.BatchSize)
	}

	if h.predGraph == nil {
		g := G.NewGraph()
		x, out, _, err := h.forward(g)
		if err != nil {
			return nil, err
		}
		h.predGraph = &headGraph{
			g:   g,
			x:   x,
			out: out,
			vm:  G.NewTapeMachine(g),
		}
	}

	padded := vectors
	if n < h.cfg.BatchSize {
		padded = make([][]float32, h.cfg.BatchSize)
		copy(padded, vectors)
		for i := n; i < h.cfg.BatchSize; i++ {
			padded[i] = make([]float32, h.cfg.In)
		}
	}

	if err := G.Let(h.predGraph.x, h.denseOf(padded, h.cfg.In)); err != nil {
		return nil, fmt.Errorf("failed to bind inputs: %w", err)
	}
	if err := h.predGraph.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	logits := rowsOf(h.predGraph.out.Value(), h.cfg.BatchSize, h.cfg.Out)
	h.predGraph.vm.Reset()
	return logits[:n], nil
}

// StateDict snapshots the parameters for checkpointing
func (h *Head) StateDict() vqa.StateDict {
	sd := make(vqa.StateDict, len(h.params))
	for name, t := range h.params {
		sd[name] = &vqa.Param{
			Shape: append([]int(nil), t.Shape()...),
			Data:  append([]float32(nil), t.Data().([]float32)...),
		}
	}
	return sd
}

// LoadStateDict restores parameters non-strictly: missing and unexpected
// keys are logged and skipped, a shape conflict on a known key is an error.
func (h *Head) LoadStateDict(sd vqa.StateDict) error {
	for _, name := range headParamNames {
		p, ok := sd[name]
		if !ok {
			log.Printf("Checkpoint is missing %s, keeping current values", name)
			continue
		}
		dst := h.params[name].Data().([]float32)
		if len(p.Data) != len(dst) {
			return fmt.Errorf("parameter %s: checkpoint has %d values, model wants %d",
				name, len(p.Data), len(dst))
		}
		copy(dst, p.Data)
	}
	for name := range sd {
		if _, ok := h.params[name]; !ok {
			log.Printf("Ignoring unexpected checkpoint key %s", name)
		}
	}
	return nil
}

// Close releases the compiled tape machines
func (h *Head) Close() error {
	for _, hg := range h.trainGraphs {
		hg.vm.Close()
	}
	if h.predGraph != nil {
		h.predGraph.vm.Close()
	}
	return nil
}

// clipGradNorm rescales all gradients in place so their global L2 norm does
// not exceed maxNorm. Gorgonia's solvers only clip per-element values, so
// the norm clip runs between the backward pass and the solver step.
func clipGradNorm(params G.Nodes, maxNorm float64) error {
	var sumSq float64
	grads := make([][]float32, len(params))
	for i, p := range params {
		grad, err := p.Grad()
		if err != nil {
			return fmt.Errorf("parameter %s has no gradient: %w", p.Name(), err)
		}
		data, ok := grad.Data().([]float32)
		if !ok {
			return fmt.Errorf("parameter %s: unexpected gradient type %T", p.Name(), grad.Data())
		}
		grads[i] = data
		for _, v := range data {
			sumSq += float64(v) * float64(v)
		}
	}

	norm := math.Sqrt(sumSq)
	if norm <= maxNorm || norm == 0 {
		return nil
	}
	scale := float32(maxNorm / norm)
	for _, data := range grads {
		for j := range data {
			data[j] *= scale
		}
	}
	return nil
}

func (h *Head) denseOf(rows [][]float32, width int) *tensor.Dense {
	backing := make([]float32, 0, len(rows)*width)
	for _, row := range rows {
		backing = append(backing, row...)
	}
	return tensor.New(tensor.WithShape(len(rows), width), tensor.WithBacking(backing))
}

func rowsOf(v G.Value, rows, cols int) [][]float32 {
	flat := v.Data().([]float32)
	out := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		out[i] = append([]float32(nil), flat[i*cols:(i+1)*cols]...)
	}
	return out
}
