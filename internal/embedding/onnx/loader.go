// Package onnx loads a HuggingFace tokenizer and an ONNX Runtime session for
// the embedding engine.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime"
	"slices"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/lensisku/lexiassist/internal/apperr"
	"github.com/lensisku/lexiassist/internal/embedding"
)

const (
	DefaultRepo      = "onnx-community/embeddinggemma-300m-ONNX"
	DefaultModelFile = "onnx/model_q4.onnx"
	DefaultDataFile  = "onnx/model_q4.onnx_data"

	defaultHiddenSize = 768
	hiddenStateOutput = "last_hidden_state"
)

// Config selects the model artifacts and runtime settings.
type Config struct {
	ModelFile string
	// DataFile is the external-weights companion of ModelFile. Empty when the
	// model is self-contained.
	DataFile string
	// MaxLength caps the truncation length; the tokenizer's own limit applies
	// when it is smaller.
	MaxLength int
	// RuntimeLibrary is the path to the onnxruntime shared library. Empty uses
	// the platform default search.
	RuntimeLibrary string
	// Threads sizes intra-op parallelism. Zero means runtime.NumCPU().
	Threads int
}

// Loader implements embedding.Loader.
type Loader struct {
	cfg    Config
	source embedding.ArtifactSource
	logger *slog.Logger
}

// NewLoader creates a Loader that fetches artifacts from source.
func NewLoader(cfg Config, source embedding.ArtifactSource, logger *slog.Logger) *Loader {
	if cfg.ModelFile == "" {
		cfg.ModelFile = DefaultModelFile
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = embedding.DefaultMaxLength
	}
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{cfg: cfg, source: source, logger: logger}
}

// Load fetches every artifact, then builds the tokenizer and the session.
func (l *Loader) Load(ctx context.Context) (*embedding.Model, error) {
	paths := make(map[string]string)
	names := []string{"tokenizer.json", "config.json", "tokenizer_config.json", l.cfg.ModelFile}
	if l.cfg.DataFile != "" {
		names = append(names, l.cfg.DataFile)
	}
	for _, name := range names {
		p, err := l.source.Fetch(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", name, err)
		}
		paths[name] = p
	}

	modelCfg, err := os.ReadFile(paths["config.json"])
	if err != nil {
		return nil, apperr.New(apperr.KindModelLoad, "reading config.json", err)
	}
	tokCfg, err := os.ReadFile(paths["tokenizer_config.json"])
	if err != nil {
		return nil, apperr.New(apperr.KindModelLoad, "reading tokenizer_config.json", err)
	}
	s, err := parseSettings(modelCfg, tokCfg, l.cfg.MaxLength)
	if err != nil {
		return nil, apperr.New(apperr.KindModelLoad, "parsing model settings", err)
	}

	tk, err := pretrained.FromFile(paths["tokenizer.json"])
	if err != nil {
		return nil, apperr.New(apperr.KindModelLoad, "loading tokenizer.json", err)
	}
	// The engine pads to the longest item in each batch and truncates itself.
	tk.WithPadding(nil)
	tk.WithTruncation(nil)

	if err := initRuntime(l.cfg.RuntimeLibrary); err != nil {
		return nil, apperr.New(apperr.KindModelLoad, "initializing onnxruntime", err)
	}
	sess, err := newSession(paths[l.cfg.ModelFile], s.Dimension, l.cfg.Threads)
	if err != nil {
		return nil, apperr.New(apperr.KindModelLoad, "creating inference session", err)
	}

	l.logger.Info("onnx session ready",
		"model", l.cfg.ModelFile,
		"threads", l.cfg.Threads,
		"token_type_ids", sess.tokenTypes,
	)
	return &embedding.Model{
		Tokenizer: &hfTokenizer{tk: tk},
		Session:   sess,
		MaxLength: s.MaxLength,
		PadID:     s.PadID,
		Dimension: s.Dimension,

		EndsWithSpecial: endsWithSpecial(tk),
	}, nil
}

// endsWithSpecial reports whether the tokenizer's post-processor appends a
// special token to every encoding.
func endsWithSpecial(tk *tokenizer.Tokenizer) bool {
	enc, err := tk.EncodeSingle("a", true)
	if err != nil || len(enc.SpecialTokenMask) == 0 {
		return false
	}
	return enc.SpecialTokenMask[len(enc.SpecialTokenMask)-1] == 1
}

type settings struct {
	PadID     int64
	Dimension int
	MaxLength int
}

// parseSettings reads pad_token_id and hidden_size from config.json and
// model_max_length from tokenizer_config.json.
func parseSettings(modelCfg, tokCfg []byte, maxLength int) (settings, error) {
	var mc struct {
		PadTokenID *int64 `json:"pad_token_id"`
		HiddenSize *int   `json:"hidden_size"`
	}
	if err := json.Unmarshal(modelCfg, &mc); err != nil {
		return settings{}, fmt.Errorf("config.json: %w", err)
	}
	var tc struct {
		ModelMaxLength *float64 `json:"model_max_length"`
	}
	if err := json.Unmarshal(tokCfg, &tc); err != nil {
		return settings{}, fmt.Errorf("tokenizer_config.json: %w", err)
	}

	s := settings{Dimension: defaultHiddenSize, MaxLength: maxLength}
	if mc.PadTokenID != nil {
		s.PadID = *mc.PadTokenID
	}
	if mc.HiddenSize != nil {
		if *mc.HiddenSize <= 0 {
			return settings{}, fmt.Errorf("config.json: invalid hidden_size %d", *mc.HiddenSize)
		}
		s.Dimension = *mc.HiddenSize
	}
	// Tokenizers without a limit report a huge sentinel such as 1e30.
	if tc.ModelMaxLength != nil && *tc.ModelMaxLength > 0 && *tc.ModelMaxLength < math.MaxInt32 {
		s.MaxLength = min(s.MaxLength, int(*tc.ModelMaxLength))
	}
	return s, nil
}

var runtimeMu sync.Mutex

func initRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	return ort.InitializeEnvironment()
}

type hfTokenizer struct {
	tk *tokenizer.Tokenizer
}

func (t *hfTokenizer) Encode(text string) ([]int64, error) {
	enc, err := t.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(enc.Ids))
	for i, id := range enc.Ids {
		ids[i] = int64(id)
	}
	return ids, nil
}

type session struct {
	s          *ort.DynamicAdvancedSession
	dim        int
	tokenTypes bool
}

func newSession(modelPath string, dim, threads int) (*session, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("reading model inputs: %w", err)
	}

	var declared []string
	for _, in := range inputs {
		declared = append(declared, in.Name)
	}
	for _, required := range []string{"input_ids", "attention_mask"} {
		if !slices.Contains(declared, required) {
			return nil, fmt.Errorf("model has no %q input (inputs: %v)", required, declared)
		}
	}
	inNames := []string{"input_ids", "attention_mask"}
	tokenTypes := slices.Contains(declared, "token_type_ids")
	if tokenTypes {
		inNames = append(inNames, "token_type_ids")
	}

	if len(outputs) == 0 {
		return nil, fmt.Errorf("model declares no outputs")
	}
	outName := outputs[0].Name
	for _, out := range outputs {
		if out.Name == hiddenStateOutput {
			outName = out.Name
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("setting intra-op threads: %w", err)
	}

	s, err := ort.NewDynamicAdvancedSession(modelPath, inNames, []string{outName}, opts)
	if err != nil {
		return nil, err
	}
	return &session{s: s, dim: dim, tokenTypes: tokenTypes}, nil
}

func (s *session) Run(ids, mask []int64, batch, seqLen int) ([]float32, []int64, error) {
	shape := ort.NewShape(int64(batch), int64(seqLen))

	idsT, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer maskT.Destroy()

	inputs := []ort.Value{idsT, maskT}
	if s.tokenTypes {
		typesT, err := ort.NewTensor(shape, make([]int64, len(ids)))
		if err != nil {
			return nil, nil, fmt.Errorf("token_type_ids tensor: %w", err)
		}
		defer typesT.Destroy()
		inputs = append(inputs, typesT)
	}

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batch), int64(seqLen), int64(s.dim)))
	if err != nil {
		return nil, nil, fmt.Errorf("output tensor: %w", err)
	}
	defer out.Destroy()

	if err := s.s.Run(inputs, []ort.Value{out}); err != nil {
		return nil, nil, err
	}
	// The tensor's memory is freed on Destroy.
	hidden := slices.Clone(out.GetData())
	return hidden, slices.Clone([]int64(out.GetShape())), nil
}

func (s *session) Close() error {
	return s.s.Destroy()
}
