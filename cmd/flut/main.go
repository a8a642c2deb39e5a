// Command flut pushes an image, a GIF animation, or a test pattern to one
// or more Pixelflut servers.
//
// Usage:
//
//	flut -targets host:1234 -image wall.png -offset 100,50
//	flut -targets a:1234,b:1234 -gif loop.gif -connections 4 -gpu required
//	flut -targets host:1234 -pattern 640x480 -fps 30
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/flut"
	"github.com/gogpu/flut/source"
	"github.com/gogpu/flut/wire"
)

type config struct {
	targets string

	imagePath string
	gifPath   string
	pattern   string
	fps       int
	scale     string

	grammar string
	order   string
	offset  string
	canvas  string
	seed    int64

	conns     int
	slots     int
	ringDepth int
	drop      bool

	backoffBase time.Duration
	backoffMax  time.Duration
	deadAfter   int

	gpuMode      string
	adapter      int
	listAdapters bool

	statsEvery time.Duration
	verbose    bool
}

func parseFlags() *config {
	c := &config{}
	flag.StringVar(&c.targets, "targets", "", "comma-separated Pixelflut addresses (host:port)")

	flag.StringVar(&c.imagePath, "image", "", "still image file (png/jpeg/bmp/tiff/webp)")
	flag.StringVar(&c.gifPath, "gif", "", "animated GIF file")
	flag.StringVar(&c.pattern, "pattern", "", "test pattern size as WxH")
	flag.IntVar(&c.fps, "fps", 0, "pattern frame rate (0 = unpaced)")
	flag.StringVar(&c.scale, "scale", "", "resize still image to WxH")

	flag.StringVar(&c.grammar, "grammar", "ascii", "command grammar: ascii, ascii-alpha, binary")
	flag.StringVar(&c.order, "order", "down", "draw order: down, up, left, right, random")
	flag.StringVar(&c.offset, "offset", "0,0", "canvas placement as X,Y")
	flag.StringVar(&c.canvas, "canvas", "", "canvas size as WxH (default: ask the server)")
	flag.Int64Var(&c.seed, "seed", 0, "seed for -order random")

	flag.IntVar(&c.conns, "connections", 2, "TCP connections per target")
	flag.IntVar(&c.slots, "slots", 4, "frame buffers in flight")
	flag.IntVar(&c.ringDepth, "ring-depth", 0, "submission ring depth (0 = auto)")
	flag.BoolVar(&c.drop, "drop-on-failure", false, "discard chunks lost to connection failures")

	flag.DurationVar(&c.backoffBase, "reconnect-base", 100*time.Millisecond, "initial reconnect delay")
	flag.DurationVar(&c.backoffMax, "reconnect-max", 10*time.Second, "reconnect delay cap")
	flag.IntVar(&c.deadAfter, "dead-after", 8, "consecutive redial failures before a connection is dead")

	flag.StringVar(&c.gpuMode, "gpu", "preferred", "GPU use: preferred, required, off")
	flag.IntVar(&c.adapter, "adapter", 0, "GPU adapter index")
	flag.BoolVar(&c.listAdapters, "list-adapters", false, "list GPU adapters and exit")

	flag.DurationVar(&c.statsEvery, "stats", 2*time.Second, "throughput report interval (0 = off)")
	flag.BoolVar(&c.verbose, "v", false, "debug logging")
	flag.Parse()
	return c
}

func main() {
	cfg := parseFlags()

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	flut.SetLogger(log)

	if err := run(log, cfg); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, cfg *config) error {
	if cfg.listAdapters {
		names, err := flut.ListAdapters()
		if err != nil {
			return err
		}
		for i, name := range names {
			fmt.Printf("%d: %s\n", i, name)
		}
		return nil
	}

	if cfg.targets == "" {
		return errors.New("-targets is required")
	}
	targets := strings.Split(cfg.targets, ",")

	src, cacheFrames, err := buildSource(cfg)
	if err != nil {
		return err
	}

	g, err := wire.ParseGrammar(cfg.grammar)
	if err != nil {
		return err
	}
	ord, err := wire.ParseOrder(cfg.order)
	if err != nil {
		return err
	}
	offX, offY, err := parsePair(cfg.offset, ",")
	if err != nil {
		return fmt.Errorf("bad -offset: %w", err)
	}
	mode, err := parseGPUMode(cfg.gpuMode)
	if err != nil {
		return err
	}

	canvasW, canvasH := 0, 0
	if cfg.canvas != "" {
		if canvasW, canvasH, err = parsePair(cfg.canvas, "x"); err != nil {
			return fmt.Errorf("bad -canvas: %w", err)
		}
	} else if canvasW, canvasH, err = querySize(targets[0]); err != nil {
		log.Warn("canvas size query failed, clipping disabled", "target", targets[0], "error", err)
		canvasW, canvasH = 0, 0
	} else {
		log.Info("canvas size from server", "width", canvasW, "height", canvasH)
	}

	p, err := flut.New(targets, src,
		flut.WithGrammar(g),
		flut.WithDrawOrder(ord),
		flut.WithSeed(cfg.seed),
		flut.WithOffset(offX, offY),
		flut.WithCanvasSize(canvasW, canvasH),
		flut.WithConnections(cfg.conns),
		flut.WithSlotCount(cfg.slots),
		flut.WithRingDepth(cfg.ringDepth),
		flut.WithDropOnFailure(cfg.drop),
		flut.WithBackoff(cfg.backoffBase, cfg.backoffMax),
		flut.WithDeadThreshold(cfg.deadAfter),
		flut.WithGPUMode(mode),
		flut.WithAdapterIndex(cfg.adapter),
		flut.WithEncodeCache(cacheFrames),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.statsEvery > 0 {
		go reportStats(ctx, p, cfg.statsEvery)
	}

	err = p.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	printStats(p.Stats())
	return err
}

// buildSource picks the frame source from the mutually exclusive inputs.
// The second return value sizes the pipeline's encode cache: a GIF's frames
// are immutable, so caching one encoding per frame is always safe.
func buildSource(cfg *config) (flut.FrameSource, int, error) {
	n := 0
	for _, s := range []string{cfg.imagePath, cfg.gifPath, cfg.pattern} {
		if s != "" {
			n++
		}
	}
	if n != 1 {
		return nil, 0, errors.New("exactly one of -image, -gif, -pattern is required")
	}

	switch {
	case cfg.imagePath != "":
		img, err := source.LoadImage(cfg.imagePath)
		if err != nil {
			return nil, 0, err
		}
		if cfg.scale != "" {
			w, h, err := parsePair(cfg.scale, "x")
			if err != nil {
				return nil, 0, fmt.Errorf("bad -scale: %w", err)
			}
			img = img.Scaled(w, h)
		}
		return img, 0, nil
	case cfg.gifPath != "":
		anim, err := source.LoadAnim(cfg.gifPath)
		if err != nil {
			return nil, 0, err
		}
		return anim, anim.FrameCount(), nil
	default:
		w, h, err := parsePair(cfg.pattern, "x")
		if err != nil {
			return nil, 0, fmt.Errorf("bad -pattern: %w", err)
		}
		var rate time.Duration
		if cfg.fps > 0 {
			rate = time.Second / time.Duration(cfg.fps)
		}
		return source.NewPattern(w, h, rate), 0, nil
	}
}

func parseGPUMode(s string) (flut.GPUMode, error) {
	switch s {
	case "preferred":
		return flut.GPUPreferred, nil
	case "required":
		return flut.GPURequired, nil
	case "off":
		return flut.GPUOff, nil
	default:
		return 0, fmt.Errorf("unknown -gpu mode %q", s)
	}
}

// parsePair parses two non-negative ints joined by sep, e.g. "640x480".
func parsePair(s, sep string) (int, int, error) {
	a, b, ok := strings.Cut(s, sep)
	if !ok {
		return 0, 0, fmt.Errorf("expected two values separated by %q, got %q", sep, s)
	}
	var x, y int
	if _, err := fmt.Sscanf(a+" "+b, "%d %d", &x, &y); err != nil {
		return 0, 0, fmt.Errorf("bad pair %q: %w", s, err)
	}
	if x < 0 || y < 0 {
		return 0, 0, fmt.Errorf("negative value in %q", s)
	}
	return x, y, nil
}

// querySize asks a server for its canvas dimensions with the SIZE command.
func querySize(target string) (int, int, error) {
	c, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		_ = c.Close()
	}()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := c.Write([]byte("SIZE\n")); err != nil {
		return 0, 0, err
	}
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		return 0, 0, err
	}
	var w, h int
	if _, err := fmt.Sscanf(line, "SIZE %d %d", &w, &h); err != nil {
		return 0, 0, fmt.Errorf("unexpected SIZE reply %q: %w", strings.TrimSpace(line), err)
	}
	return w, h, nil
}

// reportStats prints a throughput line every interval.
func reportStats(ctx context.Context, p *flut.Pipeline, every time.Duration) {
	pr := message.NewPrinter(language.English)
	tick := time.NewTicker(every)
	defer tick.Stop()

	var lastBytes, lastFrames int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		st := p.Stats()
		bps := float64(st.Bytes-lastBytes) / every.Seconds()
		fps := float64(st.Frames-lastFrames) / every.Seconds()
		lastBytes, lastFrames = st.Bytes, st.Frames
		pr.Fprintf(os.Stderr, "%.1f fps  %s/s  %d frames  %d bytes total\n",
			fps, formatRate(bps), st.Frames, st.Bytes)
	}
}

func printStats(st flut.Stats) {
	pr := message.NewPrinter(language.English)
	pr.Fprintf(os.Stderr, "sent %d frames, %d bytes (gpu=%v, reconnects=%d, dropped=%d)\n",
		st.Frames, st.Bytes, st.Accelerated, st.Reconnects, st.Dropped)
}

func formatRate(bps float64) string {
	switch {
	case bps >= 1e9:
		return fmt.Sprintf("%.2f GB", bps/1e9)
	case bps >= 1e6:
		return fmt.Sprintf("%.2f MB", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.2f kB", bps/1e3)
	default:
		return fmt.Sprintf("%.0f B", bps)
	}
}
