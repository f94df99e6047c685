// Command upscale runs the 4× super-resolution network from the command line
// or as an HTTP service.
//
//	upscale init-weights -out weights.safetensors
//	upscale run -weights weights.safetensors -in small.png -out big.png
//	upscale serve -weights weights.safetensors -addr :8080
//	upscale devices
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/andersio/Upscale/detector"
	"github.com/andersio/Upscale/imageio"
	"github.com/andersio/Upscale/server"
	"github.com/andersio/Upscale/superres"
	"github.com/andersio/Upscale/weights"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: upscale <run|serve|devices|init-weights> [flags]\n")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runCmd(args)
	case "serve":
		err = serveCmd(args)
	case "devices":
		err = devicesCmd(args)
	case "init-weights":
		err = initWeightsCmd(args)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "upscale %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// common holds the flags shared by the subcommands that build a graph.
type common struct {
	config  string
	weights string
	device  string
	adapter string
	verbose bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "JSON config file (defaults apply when empty)")
	fs.StringVar(&c.weights, "weights", "weights", "weight directory or .safetensors file")
	fs.StringVar(&c.device, "device", "", "cpu, gpu or auto (overrides config)")
	fs.StringVar(&c.adapter, "adapter", "", "substring of the GPU adapter to use")
	fs.BoolVar(&c.verbose, "v", false, "debug logging")
}

func (c *common) setupLogging() {
	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	superres.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func (c *common) loadConfig() (superres.Config, error) {
	cfg := superres.DefaultConfig()
	if c.config != "" {
		var err error
		if cfg, err = superres.LoadConfig(c.config); err != nil {
			return cfg, err
		}
	}
	if c.device != "" {
		cfg.Device = superres.Device(c.device)
	}
	if c.adapter != "" {
		cfg.Adapter = c.adapter
	}
	return cfg, cfg.Validate()
}

func descriptorFor(path string) (weights.Descriptor, error) {
	if strings.HasSuffix(path, ".safetensors") {
		return weights.SafetensorsDescriptor(path)
	}
	return weights.DirDescriptor(path), nil
}

func (c *common) graph() (*superres.Graph, error) {
	c.setupLogging()
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	desc, err := descriptorFor(c.weights)
	if err != nil {
		return nil, err
	}
	return superres.New(cfg, desc)
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var c common
	c.register(fs)
	in := fs.String("in", "", "input image")
	out := fs.String("out", "", "output PNG (default <in>_x<scale>.png)")
	fit := fs.Bool("fit", false, "center-crop and resize the input to the network input size")
	fs.Parse(args)
	if *in == "" {
		return fmt.Errorf("-in is required")
	}

	g, err := c.graph()
	if err != nil {
		return err
	}
	defer g.Close()

	img, err := imageio.Load(*in)
	if err != nil {
		return err
	}
	if *fit {
		if img, err = imageio.Fit(img, g.Config().InputSize); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	f, err := g.Infer(ctx, img)
	if err != nil {
		return err
	}
	res, err := f.Wait(ctx)
	if err != nil {
		return err
	}

	if *out == "" {
		base := strings.TrimSuffix(*in, filepath.Ext(*in))
		*out = fmt.Sprintf("%s_x%d.png", base, g.Config().Scale)
	}
	if err := imageio.SavePNG(*out, res.Image); err != nil {
		return err
	}
	fmt.Printf("%s -> %s (%s, %s)\n", *in, *out, g.Device(), res.Elapsed.Round(time.Microsecond))
	return nil
}

func serveCmd(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var c common
	c.register(fs)
	addr := fs.String("addr", ":8080", "bind address")
	fs.Parse(args)

	g, err := c.graph()
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.New(g).ListenAndServe(ctx, *addr)
}

func devicesCmd(args []string) error {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	var c common
	c.register(fs)
	fs.Parse(args)

	c.setupLogging()
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	out, err := detector.DetectJSON(detector.Workload{
		InputSize:       cfg.InputSize,
		Scale:           cfg.Scale,
		ColorChannels:   cfg.ColorChannels,
		FeatureChannels: cfg.FeatureChannels,
	})
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func initWeightsCmd(args []string) error {
	fs := flag.NewFlagSet("init-weights", flag.ExitOnError)
	var c common
	c.register(fs)
	out := fs.String("out", "weights", "output directory, or a .safetensors file")
	seed := fs.Uint64("seed", 1, "random seed")
	stddev := fs.Float64("stddev", 0.02, "standard deviation of the weights")
	fs.Parse(args)

	c.setupLogging()
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	specs, err := cfg.WeightSpecs()
	if err != nil {
		return err
	}
	init := weights.NewInitializer(*seed)
	init.Stddev = *stddev

	if strings.HasSuffix(*out, ".safetensors") {
		err = weights.WriteSafetensorsFile(*out, specs, init)
	} else {
		err = weights.WriteDir(*out, specs, init)
	}
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d layers to %s\n", len(specs), *out)
	return nil
}
