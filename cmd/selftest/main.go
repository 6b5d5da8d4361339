// Command selftest builds the C3D feature extractor, runs one forward pass on a random clip and prints the output shapes.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"time"

	c3d "github.com/gorgonia/c3d/c3dnet"
	"github.com/gorgonia/c3d/encoding/gif"
	"gorgonia.org/tensor"
)

var (
	batch   = flag.Int("batch", 2, "number of clips")
	frames  = flag.Int("frames", c3d.Frames, "frames per clip")
	size    = flag.Int("size", c3d.Height, "height and width of every frame")
	motion  = flag.Int("motion", 14, "motion descriptor width")
	app     = flag.Int("app", 13, "appearance descriptor width")
	eval    = flag.Bool("eval", false, "run batchnorm with running statistics")
	verbose = flag.Bool("v", false, "trace every layer")
	dotFile = flag.String("dot", "", "write the network topology to this Graphviz file")
	gifFile = flag.String("gif", "", "write the first clip of the batch to this GIF file")
)

func main() {
	flag.Parse()

	conf := c3d.DefaultConf()
	conf.MotionDims = *motion
	conf.AppDims = *app
	nn, err := c3d.New(conf)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	if *eval {
		nn.SetTesting()
	}
	if *verbose {
		nn.SetLogger(log.New(os.Stderr, "", log.Ltime))
	}
	log.Printf("%d parameters, %d weight tensors, %d bias tensors", nn.NumParams(), len(c3d.WeightParams(nn)), len(c3d.BiasParams(nn)))

	if *dotFile != "" {
		if err := ioutil.WriteFile(*dotFile, []byte(nn.ToDot()), 0644); err != nil {
			log.Fatal(err)
		}
	}

	shape := tensor.Shape{*batch, c3d.Channels, *frames, *size, *size}
	clip := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(tensor.Random(c3d.Float, shape.TotalSize())))

	if *gifFile != "" {
		if err := writeGIF(*gifFile, clip); err != nil {
			log.Fatal(err)
		}
	}

	start := time.Now()
	motionOut, appOut, err := nn.Fwd(clip)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	log.Printf("forward pass took %v", time.Since(start))
	fmt.Println(motionOut.Shape(), appOut.Shape())
}

func writeGIF(filename string, clip *tensor.Dense) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := gif.NewEncoder(f, 2)
	if err := enc.Encode(clip, 0); err != nil {
		return err
	}
	return enc.Flush()
}
