// Package sunet assembles the SUNet image-to-image model: a U-shaped Swin
// Transformer with skip connections, an optional global-context branch fused
// into the encoder through cross-attention, and a 4x dual upsampling head.
//
// Data flow for an input [B, in_chans, H, W] with H = W = img_size:
//
//	conv_first   -> [B, C, H, W]
//	patch_embed  -> [B, (H/4)*(W/4), C]
//	layers.i     -> encoder stages, input of each recorded as a skip
//	norm         -> [B, L/4^(n-1), C*2^(n-1)]
//	layers_up.i  -> decoder stages, skip concatenated and projected back
//	norm_up, up  -> [B, C, H, W]
//	output       -> [B, out_chans, H, W]
package sunet

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/glownet/glownet/internal/fusion"
	"github.com/glownet/glownet/internal/gcnet"
	"github.com/glownet/glownet/internal/layers"
	"github.com/glownet/glownet/internal/swin"
	"go.uber.org/zap"
)

// Option configures optional model behaviour.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger used for debug shape tracing.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Model is SUNet, generic over the Born backend.
type Model[B tensor.Backend] struct {
	cfg    Config
	logger *zap.Logger

	convFirst   *nn.Conv2D[B]
	patchEmbed  *swin.PatchEmbed[B]
	absPosEmbed *nn.Parameter[B] // nil unless ape
	posDrop     *layers.Dropout[B]

	encoder    []*swin.BasicLayer[B]
	gcStages   []*gcnet.BasicLayer[B]     // nil unless global_context
	fusions    []*fusion.CrossAttention[B] // nil unless global_context
	bottleneck *swin.BasicLayer[B]         // nil unless bottleneck

	firstUp       *swin.UpSample[B]
	decoder       []*swin.BasicLayerUp[B] // layers_up.1 ... layers_up.n-1
	concatBackDim []*layers.Linear[B]     // index 0 is the identity (nil)

	norm   *nn.LayerNorm[B]
	normUp *nn.LayerNorm[B]
	up     *swin.UpSample[B]
	output *nn.Conv2D[B]
}

// New builds a model from a validated configuration.
func New[B tensor.Backend](cfg Config, backend B, opts ...Option) (*Model[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	n := cfg.NumLayers()
	pr := cfg.PatchesResolution()

	// Stochastic depth decays linearly over all encoder blocks.
	total := 0
	offsets := make([]int, n+1)
	for i, d := range cfg.Depths {
		total += d
		offsets[i+1] = offsets[i] + d
	}
	dpr := layers.Linspace(0, cfg.DropPathRate, total)

	stage := func(i int) swin.LayerConfig {
		res := cfg.StageResolution(i)
		return swin.LayerConfig{
			Dim:        cfg.StageDim(i),
			Resolution: [2]int{res, res},
			Depth:      cfg.Depths[i],
			NumHeads:   cfg.NumHeads[i],
			WindowSize: cfg.WindowSize,
			MLPRatio:   cfg.MLPRatio,
			QKVBias:    cfg.QKVBias,
			QKScale:    cfg.QKScale,
			Drop:       cfg.DropRate,
			AttnDrop:   cfg.AttnDropRate,
			DropPath:   dpr[offsets[i]:offsets[i+1]],
		}
	}

	m := &Model[B]{
		cfg:        cfg,
		logger:     o.logger,
		convFirst:  nn.NewConv2D(cfg.InChans, cfg.EmbedDim, 3, 3, 1, 1, true, backend),
		patchEmbed: swin.NewPatchEmbed(cfg.ImgSize, cfg.PatchSize, cfg.EmbedDim, cfg.EmbedDim, cfg.PatchNorm, backend),
		posDrop:    layers.NewDropout[B](cfg.DropRate),
	}
	if cfg.APE {
		m.absPosEmbed = nn.NewParameter("absolute_pos_embed",
			layers.TruncNormal(tensor.Shape{1, pr * pr, cfg.EmbedDim}, 0.02, backend))
	}

	for i := 0; i < n; i++ {
		last := i == n-1
		m.encoder = append(m.encoder, swin.NewBasicLayer(stage(i), !last, backend))

		if cfg.GlobalContext {
			res := cfg.StageResolution(i)
			m.gcStages = append(m.gcStages,
				gcnet.NewBasicLayer(cfg.StageDim(i), [2]int{res, res}, cfg.Depths[i]/2, !last, backend))
			ca, err := fusion.NewCrossAttention(cfg.StageDim(i), cfg.StageDim(i), cfg.CrossAttnHeads, backend)
			if err != nil {
				return nil, fmt.Errorf("stage %d: %w", i, err)
			}
			m.fusions = append(m.fusions, ca)
		}
	}
	if cfg.Bottleneck {
		m.bottleneck = swin.NewBasicLayer(stage(n-1), false, backend)
	}

	deepest := cfg.StageResolution(n - 1)
	m.firstUp = swin.NewUpSample([2]int{deepest, deepest}, cfg.NumFeatures(), 2, backend)
	m.concatBackDim = make([]*layers.Linear[B], n)
	for i := 1; i < n; i++ {
		j := n - 1 - i
		m.decoder = append(m.decoder, swin.NewBasicLayerUp(stage(j), i < n-1, backend))
		m.concatBackDim[i] = layers.NewLinear(2*cfg.StageDim(j), cfg.StageDim(j), true, backend)
	}

	m.norm = nn.NewLayerNorm(cfg.NumFeatures(), layers.NormEps, backend)
	m.normUp = nn.NewLayerNorm(cfg.EmbedDim, layers.NormEps, backend)
	m.up = swin.NewUpSample([2]int{pr, pr}, cfg.EmbedDim, upscale, backend)
	m.output = nn.NewConv2D(cfg.EmbedDim, cfg.OutChans, 3, 3, 1, 1, false, backend)

	m.logger.Debug("built SUNet",
		zap.Int("stages", n),
		zap.Int("embed_dim", cfg.EmbedDim),
		zap.Bool("global_context", cfg.GlobalContext),
		zap.Bool("bottleneck", cfg.Bottleneck),
		zap.Int("parameters", m.NumParameters()))
	return m, nil
}

// Config returns the configuration the model was built from.
func (m *Model[B]) Config() Config {
	return m.cfg
}

// Forward maps [B, in_chans, img, img] to [B, out_chans, img, img].
func (m *Model[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != m.cfg.InChans || shape[2] != m.cfg.ImgSize || shape[3] != m.cfg.ImgSize {
		panic(fmt.Sprintf("SUNet.Forward: expected [N,%d,%d,%d], got %v",
			m.cfg.InChans, m.cfg.ImgSize, m.cfg.ImgSize, shape))
	}

	x = m.convFirst.Forward(x)
	x, _, skips := m.ForwardFeatures(x)
	if m.bottleneck != nil {
		x = x.Add(m.bottleneck.Forward(x))
		m.trace("bottleneck", x)
	}
	x = m.ForwardUpFeatures(x, skips)
	x = m.UpX4(x)
	return m.output.Forward(x)
}

// ForwardFeatures runs the encoder on the conv_first feature map. It returns
// the normalised deepest tokens, the untouched input and the per-stage skip
// tokens (the input of every encoder stage).
func (m *Model[B]) ForwardFeatures(x *tensor.Tensor[float32, B]) (out, residual *tensor.Tensor[float32, B], skips []*tensor.Tensor[float32, B]) {
	residual = x
	x = m.patchEmbed.Forward(x)
	if m.absPosEmbed != nil {
		x = x.Add(m.absPosEmbed.Tensor())
	}
	x = m.posDrop.Forward(x)

	var global *tensor.Tensor[float32, B]
	if m.gcStages != nil {
		pr := m.cfg.PatchesResolution()
		global = layers.TokensToMap(x, pr, pr)
	}

	skips = make([]*tensor.Tensor[float32, B], 0, len(m.encoder))
	for i, stage := range m.encoder {
		if global != nil {
			var features *tensor.Tensor[float32, B]
			features, global = m.gcStages[i].ForwardFeatures(global)
			x = m.fusions[i].Forward(x, features)
		}
		skips = append(skips, x)
		x = stage.Forward(x)
		m.trace(fmt.Sprintf("layers.%d", i), x)
	}

	return m.norm.Forward(x), residual, skips
}

// ForwardUpFeatures runs the decoder. Stage 0 only upsamples; every later
// stage first concatenates the matching skip on the channel axis and projects
// it back with concat_back_dim.
func (m *Model[B]) ForwardUpFeatures(x *tensor.Tensor[float32, B], skips []*tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	n := m.cfg.NumLayers()
	if len(skips) != n {
		panic(fmt.Sprintf("SUNet.ForwardUpFeatures: expected %d skips, got %d", n, len(skips)))
	}

	x = m.firstUp.Forward(x)
	m.trace("layers_up.0", x)
	for i := 1; i < n; i++ {
		x = tensor.Cat([]*tensor.Tensor[float32, B]{x, skips[n-1-i]}, -1)
		x = m.concatBackDim[i].Forward(x)
		x = m.decoder[i-1].Forward(x)
		m.trace(fmt.Sprintf("layers_up.%d", i), x)
	}

	return m.normUp.Forward(x)
}

// UpX4 turns [B, L, C] tokens at patch resolution into a [B, C, 4H, 4W] map.
func (m *Model[B]) UpX4(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	pr := m.cfg.PatchesResolution()
	shape := x.Shape()
	if len(shape) != 3 || shape[1] != pr*pr {
		panic(fmt.Sprintf("SUNet.UpX4: input features has wrong size: expected [N,%d,C], got %v", pr*pr, shape))
	}

	x = m.up.Forward(x).Transpose(0, 3, 1, 2)
	m.trace("up", x)
	return x
}

func (m *Model[B]) trace(stage string, x *tensor.Tensor[float32, B]) {
	if ce := m.logger.Check(zap.DebugLevel, "forward"); ce != nil {
		ce.Write(zap.String("stage", stage), zap.Ints("shape", x.Shape()))
	}
}

// FLOPs returns the multiply-accumulate count for one sample: patch
// embedding, encoder stages and the head estimate, plus the global-context
// branch and its fusion layers when enabled.
func (m *Model[B]) FLOPs() int64 {
	var flops int64
	flops += m.patchEmbed.FLOPs()
	for _, stage := range m.encoder {
		flops += stage.FLOPs()
	}

	pr := int64(m.cfg.PatchesResolution())
	features := int64(m.cfg.NumFeatures())
	flops += features * pr * pr / (1 << m.cfg.NumLayers())
	flops += features * int64(m.cfg.OutChans)

	for i, gc := range m.gcStages {
		res := int64(m.cfg.StageResolution(i))
		flops += gc.FLOPs()
		flops += m.fusions[i].FLOPs(int(res*res), int(res*res))
	}
	return flops
}

// NumParameters returns the total number of trainable scalars.
func (m *Model[B]) NumParameters() int {
	return layers.CountParams(m.Parameters())
}

// Parameters returns all trainable parameters.
func (m *Model[B]) Parameters() []*nn.Parameter[B] {
	return layers.Params(m.NamedParameters())
}

// NamedParameters returns the parameters under their PyTorch state-dict names.
func (m *Model[B]) NamedParameters() []layers.Named[B] {
	named := layers.Prefixed("conv_first", layers.ConvNamed(m.convFirst))
	named = append(named, layers.Prefixed("patch_embed", m.patchEmbed.NamedParameters())...)
	if m.absPosEmbed != nil {
		named = append(named, layers.Named[B]{Name: "absolute_pos_embed", Param: m.absPosEmbed})
	}
	for i, stage := range m.encoder {
		named = append(named, layers.Prefixed(fmt.Sprintf("layers.%d", i), stage.NamedParameters())...)
	}
	for i, gc := range m.gcStages {
		named = append(named, layers.Prefixed(fmt.Sprintf("gc_layers.%d", i), gc.NamedParameters())...)
	}
	for i, ca := range m.fusions {
		named = append(named, layers.Prefixed(fmt.Sprintf("cross_attn.%d", i), ca.NamedParameters())...)
	}
	if m.bottleneck != nil {
		named = append(named, layers.Prefixed("bottleneck.block", m.bottleneck.NamedParameters())...)
	}
	named = append(named, layers.Prefixed("layers_up.0", m.firstUp.NamedParameters())...)
	for i, stage := range m.decoder {
		named = append(named, layers.Prefixed(fmt.Sprintf("layers_up.%d", i+1), stage.NamedParameters())...)
	}
	for i, proj := range m.concatBackDim {
		if proj == nil {
			continue
		}
		named = append(named, layers.Prefixed(fmt.Sprintf("concat_back_dim.%d", i), proj.NamedParameters())...)
	}
	named = append(named, layers.Prefixed("norm", layers.NormNamed(m.norm))...)
	named = append(named, layers.Prefixed("norm_up", layers.NormNamed(m.normUp))...)
	named = append(named, layers.Prefixed("up", m.up.NamedParameters())...)
	named = append(named, layers.Prefixed("output", layers.ConvNamed(m.output))...)
	return named
}

// StateDict returns a copy-free view of the parameters keyed by name.
func (m *Model[B]) StateDict() map[string]*tensor.RawTensor {
	return layers.StateDict(m.NamedParameters())
}

// LoadStateDict copies every named parameter from stateDict.
func (m *Model[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := layers.LoadStateDict(m.NamedParameters(), stateDict); err != nil {
		return fmt.Errorf("failed to load SUNet state: %w", err)
	}
	return nil
}

// NoWeightDecay lists parameters that should be excluded from weight decay.
func (m *Model[B]) NoWeightDecay() []string {
	return []string{"absolute_pos_embed"}
}

// NoWeightDecayKeywords lists name fragments excluded from weight decay.
func (m *Model[B]) NoWeightDecayKeywords() []string {
	return []string{"relative_position_bias_table"}
}

// SetTraining toggles dropout and stochastic depth throughout the model.
func (m *Model[B]) SetTraining(training bool) {
	for _, t := range m.trainables() {
		t.SetTraining(training)
	}
}

// trainables lists the submodules holding dropout or stochastic depth.
func (m *Model[B]) trainables() []layers.Trainable {
	out := []layers.Trainable{m.posDrop}
	for _, stage := range m.encoder {
		out = append(out, stage)
	}
	if m.bottleneck != nil {
		out = append(out, m.bottleneck)
	}
	for _, stage := range m.decoder {
		out = append(out, stage)
	}
	return out
}

// String returns a string representation of the model.
func (m *Model[B]) String() string {
	return fmt.Sprintf("SUNet(img_size=%d, embed_dim=%d, depths=%v, num_heads=%v, window_size=%d, global_context=%v)",
		m.cfg.ImgSize, m.cfg.EmbedDim, m.cfg.Depths, m.cfg.NumHeads, m.cfg.WindowSize, m.cfg.GlobalContext)
}
