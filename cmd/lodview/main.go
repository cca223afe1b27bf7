// Command-line driver that streams a volume along a camera path.
// It plays a list of cameras through a viewer and reports which tiles a
// renderer would draw, which is handy for tuning cache and chooser settings
// against a real dataset.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/tilestream/display"
	"github.com/janelia-flyem/tilestream/dvid"
	"github.com/janelia-flyem/tilestream/storage"
	"github.com/janelia-flyem/tilestream/tilecache"
	"github.com/janelia-flyem/tilestream/viewer"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Time between cameras of the path.
	interval = flag.Duration("interval", 250*time.Millisecond, "")

	// Time to wait for loads after the last camera.
	settle = flag.Duration("settle", 30*time.Second, "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")
)

const helpMessage = `
lodview streams a multi-resolution volume along a camera path

Usage: lodview [options] <config.toml> [camera file]

      -interval   =duration Time between cameras (default 250ms).
      -settle     =duration Time to wait for loads after the last camera (default 30s).
      -cpuprofile =string   Write CPU profile to this file.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

The camera file has one "x y z zoom" camera per line, where zoom is the height
of the viewport in world units.  Cameras are read from stdin if no file is given.

Storage engines available:
`

var usage = func() {
	fmt.Print(helpMessage)
	for _, e := range storage.EnginesAvailable() {
		fmt.Printf("\t%s\n", e)
	}
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if err := run(flag.Arg(0), flag.Arg(1)); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(configPath, cameraPath string) error {
	cfg, err := viewer.Load(configPath)
	if err != nil {
		return err
	}
	if *runVerbose {
		cfg.Logging.Verbose = true
	}
	cfg.Logging.SetLogger()
	defer dvid.Shutdown()
	timedLog := dvid.NewTimeLog()

	var in io.Reader = os.Stdin
	if cameraPath != "" {
		f, err := os.Open(cameraPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	cams, err := readCameras(in)
	if err != nil {
		return fmt.Errorf("bad camera path: %v", err)
	}
	if len(cams) == 0 {
		return fmt.Errorf("no cameras in camera path")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := viewer.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer v.Close()

	// Redraw whenever the cache says the displayed tiles changed.
	redraw := make(chan struct{}, 1)
	unsubscribe := v.Cache.Subscribe(func() {
		select {
		case redraw <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	cameras := make(chan display.Camera)
	played := make(chan struct{})
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := v.Updater.Run(ctx, cameras)
		close(played)
		return err
	})
	g.Go(func() error {
		defer close(cameras)
		return play(ctx, cams, cameras)
	})
	g.Go(func() error {
		return render(ctx, v.Cache, v.Updater, redraw, played, time.Duration(len(cams))*(*interval)+*settle)
	})
	err = g.Wait()
	if err == context.Canceled {
		err = nil
	}
	report(v.Cache.Stats(), timedLog.Elapsed())
	return err
}

// play sends the cameras at a fixed rate.
func play(ctx context.Context, cams []display.Camera, out chan<- display.Camera) error {
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for i, cam := range cams {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- cam:
		}
	}
	return nil
}

// render draws frames until every camera has been observed and no loads are
// queued or running, or the time limit passes.  A path that ends outside the
// volume desires nothing and so is idle as soon as it has played.
func render(ctx context.Context, cache *tilecache.Cache, updater *display.Updater, redraw, played <-chan struct{}, limit time.Duration) error {
	deadline := time.After(limit)
	idle := time.NewTicker(100 * time.Millisecond)
	defer idle.Stop()
	frame := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			dvid.Warningf("Stopped waiting for loads after %s\n", limit)
			return nil
		case <-redraw:
			frame++
			drawFrame(frame, cache, updater)
		case <-idle.C:
			select {
			case <-played:
			default:
				continue
			}
			if st := cache.Stats(); st.Queued == 0 && st.Loading == 0 {
				drawFrame(frame+1, cache, updater)
				return nil
			}
		}
	}
}

func drawFrame(frame int, cache *tilecache.Cache, updater *display.Updater) {
	for _, tile := range cache.PopObsoleteTiles() {
		dvid.Debugf("Releasing obsolete tile %s\n", tile.Key)
	}
	if !cache.CanDisplay() {
		return
	}
	tiles := cache.GetDisplayedTiles()
	desired := updater.DesiredBlocks()
	var eye dvid.Vector3d
	if len(desired) > 0 {
		eye = desired[0].Centroid()
	}
	tilecache.SortForDisplay(tiles, eye)
	var bytes uint64
	for _, tile := range tiles {
		bytes += uint64(len(tile.Volume.Data))
	}
	fmt.Printf("frame %d: %d tiles (%s) of %d desired\n", frame, len(tiles), humanize.Bytes(bytes), len(desired))
	for _, tile := range tiles {
		dvid.Debugf("  draw %s\n", tile.Key)
	}
}

func report(st tilecache.Stats, elapsed time.Duration) {
	fmt.Printf("loaded %s blocks, %s failed, %s cancelled, %s discarded\n",
		humanize.Comma(int64(st.Loaded)), humanize.Comma(int64(st.Failed)),
		humanize.Comma(int64(st.Cancelled)), humanize.Comma(int64(st.Discarded)))
	fmt.Printf("%d tiles resident using %s after %s\n", st.Resident, humanize.Bytes(uint64(st.ResidentBytes)), elapsed.Round(time.Millisecond))
}
