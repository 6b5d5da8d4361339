package c3d

import (
	"fmt"
	"strconv"

	"github.com/awalterschulze/gographviz"
)

// ToDot renders the topology of the network as a Graphviz digraph.
func (n *Network) ToDot() string {
	g := gographviz.NewGraph()
	if err := g.SetName("C3D"); err != nil {
		panic(err)
	}
	if err := g.SetDir(true); err != nil {
		panic(err)
	}

	node := func(name, label, shape string) {
		attrs := map[string]string{
			"fontname": "Monaco",
			"shape":    shape,
			"label":    strconv.Quote(label),
		}
		if err := g.AddNode("C3D", strconv.Quote(name), attrs); err != nil {
			panic(err)
		}
	}
	edge := func(src, dst string) {
		if err := g.AddEdge(strconv.Quote(src), strconv.Quote(dst), true, nil); err != nil {
			panic(err)
		}
	}

	node("input", "input (N, 3, T, H, W)", "oval")
	prev := "input"
	for _, l := range n.layers {
		node(l.Name(), fmt.Sprintf("%s\n%v", l.Name(), l), "box")
		edge(prev, l.Name())
		prev = l.Name()
	}
	for _, head := range []*Linear{n.motion, n.app} {
		node(head.Name(), fmt.Sprintf("%s\n%v", head.Name(), head), "box")
		edge(prev, head.Name())
	}
	node("motion_out", fmt.Sprintf("motion_out (N, %d)", n.MotionDims), "oval")
	node("app_out", fmt.Sprintf("app_out (N, %d)", n.AppDims), "oval")
	edge(n.motion.Name(), "motion_out")
	edge(n.app.Name(), "app_out")
	return g.String()
}
