package c3d

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/awalterschulze/gographviz"
	"github.com/chewxy/math32"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// smallClip has the smallest spatial extent that survives the pooling schedule.
func smallClip(batch int) *tensor.Dense { return randTensor(batch, Channels, Frames, 16, 16) }

func newNet(t *testing.T, conf Config) *Network {
	t.Helper()
	n, err := New(conf)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	return n
}

func TestDefaultConfig(t *testing.T) {
	if !DefaultConf().IsValid() {
		t.Errorf("Expected Default Config to be correct")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	for _, conf := range []Config{
		{MotionDims: 0, AppDims: 13, Momentum: 0.1, Epsilon: 1e-5},
		{MotionDims: 14, AppDims: -1, Momentum: 0.1, Epsilon: 1e-5},
		{MotionDims: 14, AppDims: 13, Momentum: 0.1, Epsilon: 0},
	} {
		_, err := New(conf)
		assert.Equal(t, ErrInvalidConfig, errors.Cause(err), "%+v", conf)
	}
}

func TestNetwork_Topology(t *testing.T) {
	n := newNet(t, DefaultConf())
	var names []string
	for _, l := range n.Layers() {
		names = append(names, l.Name())
	}
	want := []string{
		"conv1", "bn1", "relu1", "pool1",
		"conv2", "bn2", "relu2", "pool2",
		"conv3a", "bn3a", "relu3a", "conv3b", "bn3b", "relu3b", "pool3",
		"conv4a", "bn4a", "relu4a", "conv4b", "bn4b", "relu4b", "pool4",
		"conv5a", "bn5a", "relu5a", "conv5b", "bn5b", "relu5b",
		"pool5", "flatten",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("layer order mismatch (-want +got):\n%s", diff)
	}

	s := n.String()
	assert.Contains(t, s, "(conv1): Conv3d(3, 64, kernel_size=(3, 3, 3), stride=(1, 1, 1), padding=(1, 1, 1))")
	assert.Contains(t, s, "(pool1): MaxPool3d(kernel_size=(1, 2, 2), stride=(1, 2, 2))")
	assert.Contains(t, s, "(motion_linear): Linear(in_features=512, out_features=14, bias=True)")
	assert.Contains(t, s, "(app_linear): Linear(in_features=512, out_features=13, bias=True)")
}

func TestNetwork_Params(t *testing.T) {
	assert := assert.New(t)
	n := newNet(t, DefaultConf())

	params := n.Params()
	assert.Len(params, 36)
	assert.Equal(27675291, n.NumParams())
	assert.Len(n.Buffers(), 16)

	weights := WeightParams(n)
	biases := BiasParams(n)
	var wnames, bnames []string
	for _, p := range weights {
		wnames = append(wnames, p.Name)
	}
	for _, p := range biases {
		bnames = append(bnames, p.Name)
	}
	var want []string
	for _, id := range []string{"1", "2", "3a", "3b", "4a", "4b", "5a", "5b"} {
		want = append(want, "conv"+id+".weight", "bn"+id+".weight")
	}
	want = append(want, "motion_linear.weight", "app_linear.weight")
	if diff := cmp.Diff(want, wnames); diff != "" {
		t.Errorf("weight params mismatch (-want +got):\n%s", diff)
	}
	for i := range want {
		want[i] = strings.Replace(want[i], ".weight", ".bias", 1)
	}
	if diff := cmp.Diff(want, bnames); diff != "" {
		t.Errorf("bias params mismatch (-want +got):\n%s", diff)
	}

	// disjoint, and together they cover every trainable parameter
	seen := make(map[*Parameter]bool)
	for _, p := range append(weights, biases...) {
		assert.False(seen[p], "%s yielded twice", p.Name)
		seen[p] = true
	}
	assert.Len(seen, len(params))

	// restartable: the same identities on every call
	again := WeightParams(n)
	require.Len(t, again, len(weights))
	for i := range again {
		assert.True(again[i] == weights[i], "%s should be the same parameter", again[i].Name)
	}
}

func TestParams_Trainable(t *testing.T) {
	n := newNet(t, DefaultConf())
	motion, app := n.Heads()
	motion.w.Trainable = false
	app.b.Trainable = false

	weights := WeightParams(n)
	biases := BiasParams(n)
	assert.Len(t, weights, 17)
	assert.Len(t, biases, 17)
	for _, p := range append(weights, biases...) {
		assert.True(t, p.Trainable, p.Name)
	}
	assert.Len(t, n.Params(), 36, "frozen parameters are still owned by the network")
}

type namedParams []*Parameter

func (p namedParams) Params() []*Parameter { return p }

func TestParams_UnmatchedName(t *testing.T) {
	p := namedParams{
		{Name: "scale", Trainable: true},
		{Name: "head.weight", Trainable: true},
		{Name: "head.bias", Trainable: true},
	}
	assert.Len(t, WeightParams(p), 1)
	assert.Len(t, BiasParams(p), 1)
	assert.Nil(t, WeightParams(namedParams{}))
}

func TestNetwork_FwdShapes(t *testing.T) {
	tests := []struct {
		name             string
		batch            int
		motionDims, apps int
	}{
		{"default dims, single clip", 1, 14, 13},
		{"default dims, batch of 3", 3, 14, 13},
		{"custom dims", 2, 5, 7},
		{"narrow heads", 2, 2, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conf := DefaultConf()
			conf.MotionDims = tc.motionDims
			conf.AppDims = tc.apps
			n := newNet(t, conf)

			motion, app, err := n.Fwd(smallClip(tc.batch))
			require.NoError(t, err)
			assert.True(t, tensor.Shape{tc.batch, tc.motionDims}.Eq(motion.Shape()), "motion %v", motion.Shape())
			assert.True(t, tensor.Shape{tc.batch, tc.apps}.Eq(app.Shape()), "app %v", app.Shape())
		})
	}
}

func TestNetwork_FwdErrors(t *testing.T) {
	n := newNet(t, DefaultConf())
	tests := []struct {
		name  string
		input *tensor.Dense
		cause error
		msg   string
	}{
		{"one channel", randTensor(2, 1, Frames, 16, 16), ErrShapeMismatch, "channels"},
		{"rank 4", randTensor(3, Frames, 16, 16), ErrShapeMismatch, "rank 5"},
		{"too small to pool", randTensor(1, Channels, Frames, 8, 8), ErrShapeMismatch, "pool4"},
		{"float64", tensor.New(tensor.WithShape(1, Channels, Frames, 16, 16), tensor.Of(tensor.Float64)), ErrDtype, "float32"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			motion, app, err := n.Fwd(tc.input)
			assert.Nil(t, motion)
			assert.Nil(t, app)
			require.Error(t, err)
			assert.Equal(t, tc.cause, errors.Cause(err))
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestNetwork_FwdFailureKeepsStatistics(t *testing.T) {
	n := newNet(t, DefaultConf())
	require.True(t, n.IsTraining())

	_, _, err := n.Fwd(randTensor(1, Channels, Frames, 8, 8))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool4")
	for _, l := range n.Layers() {
		if bn, ok := l.(*BatchNorm3D); ok {
			assert.Equal(t, 0, bn.Tracked(), bn.Name())
		}
	}
	for _, b := range n.Buffers() {
		want := float32(0)
		if strings.HasSuffix(b.Name, "running_var") {
			want = 1
		}
		for _, v := range b.Data().([]float32) {
			if v != want {
				t.Fatalf("%s changed by a failed forward pass: %v", b.Name, v)
			}
		}
	}
}

func TestNetwork_FwdView(t *testing.T) {
	n := newNet(t, DefaultConf())
	n.SetTesting()

	big := randTensor(1, Channels, Frames+4, 16, 16)
	sliced, err := big.Slice(nil, nil, G.S(0, Frames))
	require.NoError(t, err)
	view := sliced.(*tensor.Dense)
	packed := view.Materialize().(*tensor.Dense)

	m1, a1, err := n.Fwd(view)
	require.NoError(t, err)
	m2, a2, err := n.Fwd(packed)
	require.NoError(t, err)
	assert.Equal(t, m2.Data(), m1.Data())
	assert.Equal(t, a2.Data(), a1.Data())

	r1, err := NewReLU("relu").Fwd(view)
	require.NoError(t, err)
	r2, err := NewReLU("relu").Fwd(packed)
	require.NoError(t, err)
	assert.True(t, r2.Shape().Eq(r1.Shape()))
	assert.Equal(t, r2.Data(), r1.Data())
}

func TestNetwork_BatchInvariance(t *testing.T) {
	n := newNet(t, DefaultConf())
	n.SetTesting()

	single := smallClip(1)
	sample := single.Data().([]float32)
	backing := make([]float32, 0, 4*len(sample))
	for i := 0; i < 4; i++ {
		backing = append(backing, sample...)
	}
	batch := tensor.New(tensor.WithShape(4, Channels, Frames, 16, 16), tensor.WithBacking(backing))

	m1, a1, err := n.Fwd(single)
	require.NoError(t, err)
	m4, a4, err := n.Fwd(batch)
	require.NoError(t, err)

	motion, app := m4.Data().([]float32), a4.Data().([]float32)
	for row := 0; row < 4; row++ {
		assert.InDeltaSlice(t, m1.Data(), motion[row*14:(row+1)*14], 1e-4, "motion row %d", row)
		assert.InDeltaSlice(t, a1.Data(), app[row*13:(row+1)*13], 1e-4, "app row %d", row)
	}
}

func TestNetwork_ZeroClip(t *testing.T) {
	shape := tensor.Shape{1, Channels, Frames, 16, 16}
	if !testing.Short() {
		shape = InputShape(1)
	}
	n := newNet(t, DefaultConf())
	x := tensor.New(tensor.WithShape(shape...), tensor.Of(Float))

	motion, app, err := n.Fwd(x)
	require.NoError(t, err)
	assert.True(t, tensor.Shape{1, 14}.Eq(motion.Shape()))
	assert.True(t, tensor.Shape{1, 13}.Eq(app.Shape()))
	for _, v := range append(motion.Data().([]float32), app.Data().([]float32)...) {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			t.Fatalf("non finite output %v", v)
		}
	}
}

func TestNetwork_Modes(t *testing.T) {
	assert := assert.New(t)
	n := newNet(t, DefaultConf())
	assert.True(n.IsTraining())
	bn1 := n.Layers()[1].(*BatchNorm3D)

	x := smallClip(2)
	if _, _, err := n.Fwd(x); err != nil {
		t.Fatal(err)
	}
	assert.Equal(1, bn1.Tracked())
	assert.NotEqual(make([]float32, 64), bn1.runningMean.Data(), "training updates running statistics")

	n.SetTesting()
	assert.False(n.IsTraining())
	for _, l := range n.Layers() {
		if m, ok := l.(Moder); ok {
			assert.False(m.IsTraining(), l.Name())
		}
	}
	before := make([][]float32, 0, 16)
	for _, b := range n.Buffers() {
		before = append(before, append([]float32(nil), b.Data().([]float32)...))
	}
	m1, _, err := n.Fwd(x)
	require.NoError(t, err)
	m2, _, err := n.Fwd(x)
	require.NoError(t, err)
	assert.Equal(m1.Data(), m2.Data(), "testing mode is a pure function")
	for i, b := range n.Buffers() {
		assert.Equal(before[i], b.Data(), b.Name)
	}
	assert.Equal(1, bn1.Tracked())

	n.SetTraining()
	assert.True(bn1.IsTraining())
}

func TestNetwork_Clone(t *testing.T) {
	assert := assert.New(t)
	n := newNet(t, DefaultConf())
	if _, _, err := n.Fwd(smallClip(2)); err != nil {
		t.Fatal(err)
	}
	n.SetTesting()

	n2, err := n.Clone()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.False(n2.IsTraining())
	for i, p := range n.Params() {
		assert.Equal(p.Data(), n2.Params()[i].Data(), p.Name)
	}

	x := smallClip(1)
	m1, a1, err := n.Fwd(x)
	require.NoError(t, err)
	m2, a2, err := n2.Fwd(x)
	require.NoError(t, err)
	assert.Equal(m1.Data(), m2.Data())
	assert.Equal(a1.Data(), a2.Data())

	motion, _ := n2.Heads()
	motion.b.Data().([]float32)[0] += 1
	m3, _, err := n2.Fwd(x)
	require.NoError(t, err)
	assert.InDelta(m1.Data().([]float32)[0]+1, m3.Data().([]float32)[0], 1e-5)

	m4, _, err := n.Fwd(x)
	require.NoError(t, err)
	assert.Equal(m1.Data(), m4.Data(), "the original must not share parameters with its clone")
}

func TestNetwork_Logger(t *testing.T) {
	var buf bytes.Buffer
	n := newNet(t, DefaultConf())
	n.SetLogger(log.New(&buf, "", 0))
	if _, _, err := n.Fwd(smallClip(1)); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, len(n.Layers())+2)
	assert.True(t, strings.HasPrefix(lines[0], "conv1"), lines[0])
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "app_linear"), lines[len(lines)-1])
}

func TestNetwork_ToDot(t *testing.T) {
	n := newNet(t, DefaultConf())
	dot := n.ToDot()
	g, err := gographviz.Read([]byte(dot))
	if err != nil {
		t.Fatalf("%v\n%s", err, dot)
	}
	assert.Len(t, g.Nodes.Nodes, len(n.Layers())+5)
	assert.Len(t, g.Edges.Edges, len(n.Layers())+4)
	assert.Contains(t, dot, "motion_out (N, 14)")
}
