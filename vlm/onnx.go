package vlm

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"vl-ground-go/vqa"
)

// ONNXEncoder runs the exported pretrained vision-language transformer under
// ONNX Runtime. The export takes (features, boxes, input_ids) for a single
// example and yields a pooled cross-modal embedding, plus last-layer CLS
// attention rows when the export carries them. Device placement is whatever
// execution providers the runtime was built with; without an accelerator it
// runs on CPU.
type ONNXEncoder struct {
	modelPath     string
	tok           vqa.Tokenizer
	dim           int
	withAttention bool
	initialized   bool
}

// NewONNXEncoder initializes ONNX Runtime and prepares an encoder for the
// model export at modelPath producing embeddings of width dim.
func NewONNXEncoder(modelPath string, tok vqa.Tokenizer, dim int, withAttention bool) (*ONNXEncoder, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}
	fmt.Printf("✓ ONNX runtime initialized for encoder %s\n", modelPath)
	return &ONNXEncoder{
		modelPath:     modelPath,
		tok:           tok,
		dim:           dim,
		withAttention: withAttention,
		initialized:   true,
	}, nil
}

// Dim returns the pooled embedding width
func (e *ONNXEncoder) Dim() int {
	return e.dim
}

// Encode runs the frozen encoder example by example.
func (e *ONNXEncoder) Encode(batch *vqa.Batch) (*vqa.Encoding, error) {
	if !e.initialized {
		return nil, fmt.Errorf("encoder not initialized")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(4); err != nil {
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}

	enc := &vqa.Encoding{
		Vectors: make([][]float32, batch.Size()),
	}
	if e.withAttention {
		enc.Attention = make([][]float32, batch.Size())
	}

	for i := 0; i < batch.Size(); i++ {
		feats := batch.Feats[i]
		numBoxes := len(feats)
		if numBoxes == 0 {
			return nil, fmt.Errorf("example %d has no features", i)
		}
		featDim := len(feats[0])

		featData := make([]float32, 0, numBoxes*featDim)
		for _, row := range feats {
			featData = append(featData, row...)
		}
		featTensor, err := ort.NewTensor(ort.NewShape(1, int64(numBoxes), int64(featDim)), featData)
		if err != nil {
			return nil, fmt.Errorf("failed to create feature tensor: %w", err)
		}
		defer featTensor.Destroy()

		boxData := append([]float32(nil), batch.Boxes[i]...)
		boxTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(boxData))), boxData)
		if err != nil {
			return nil, fmt.Errorf("failed to create box tensor: %w", err)
		}
		defer boxTensor.Destroy()

		tokens, err := e.tok.Encode(batch.Sents[i])
		if err != nil {
			return nil, fmt.Errorf("example %d: tokenize: %w", i, err)
		}
		if len(tokens) == 0 {
			tokens = []int{0}
		}
		tokenData := make([]int64, len(tokens))
		for j, id := range tokens {
			tokenData[j] = int64(id)
		}
		tokenTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(tokenData))), tokenData)
		if err != nil {
			return nil, fmt.Errorf("failed to create token tensor: %w", err)
		}
		defer tokenTensor.Destroy()

		pooled := make([]float32, e.dim)
		pooledTensor, err := ort.NewTensor(ort.NewShape(1, int64(e.dim)), pooled)
		if err != nil {
			return nil, fmt.Errorf("failed to create output tensor: %w", err)
		}
		defer pooledTensor.Destroy()

		inputNames := []string{"features", "boxes", "input_ids"}
		inputs := []ort.Value{featTensor, boxTensor, tokenTensor}
		outputNames := []string{"pooled"}
		outputs := []ort.Value{pooledTensor}

		var attnTensor *ort.Tensor[float32]
		if e.withAttention {
			attn := make([]float32, numBoxes+1)
			attnTensor, err = ort.NewTensor(ort.NewShape(1, int64(numBoxes+1)), attn)
			if err != nil {
				return nil, fmt.Errorf("failed to create attention tensor: %w", err)
			}
			defer attnTensor.Destroy()
			outputNames = append(outputNames, "cls_attention")
			outputs = append(outputs, attnTensor)
		}

		session, err := ort.NewAdvancedSession(e.modelPath, inputNames, outputNames,
			inputs, outputs, options)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		defer session.Destroy()

		if err := session.Run(); err != nil {
			return nil, fmt.Errorf("encoder inference failed: %w", err)
		}

		enc.Vectors[i] = append([]float32(nil), pooledTensor.GetData()...)
		if e.withAttention {
			enc.Attention[i] = append([]float32(nil), attnTensor.GetData()...)
		}
	}
	return enc, nil
}

// Close marks the encoder unusable. The runtime environment is shared and
// left initialized for other sessions.
func (e *ONNXEncoder) Close() error {
	e.initialized = false
	return nil
}
