// Command ripplecap records the motor current waveform at a fixed open-loop
// duty, reports its commutation ripple, and saves it as a .npy file. With
// -in it analyses a saved waveform instead.
package main

import (
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/inconshreveable/log15"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"nimrs/internal/capture"
	"nimrs/internal/config"
	"nimrs/internal/hal"
	"nimrs/internal/ripple"
)

// chunk matches the control loop period so the detector sees buffers the
// same size as in the daemon.
const chunk = 20 * time.Millisecond

type report struct {
	Samples  int
	Seconds  float64
	MeanAmps float64
	StdAmps  float64
	MinAmps  float64
	MaxAmps  float64
	RippleHz float64
	RPM      float64
}

func analyze(amps []float64, rate float64, poles int) report {
	r := report{Samples: len(amps)}
	if len(amps) == 0 || rate <= 0 {
		return r
	}
	if poles <= 0 {
		poles = 5
	}
	r.Seconds = float64(len(amps)) / rate
	r.MeanAmps, r.StdAmps = stat.MeanStdDev(amps, nil)
	r.MinAmps = floats.Min(amps)
	r.MaxAmps = floats.Max(amps)

	det := ripple.New()
	n := int(math.Round(rate * chunk.Seconds()))
	if n < 1 {
		n = 1
	}
	for i := 0; i < len(amps); i += n {
		end := i + n
		if end > len(amps) {
			end = len(amps)
		}
		det.ProcessBuffer(amps[i:end], rate)
	}
	r.RippleHz = det.Frequency()
	r.RPM = r.RippleHz * 60 / float64(2*poles)
	return r
}

func (r report) print(w io.Writer) {
	fmt.Fprintf(w, "samples:   %d (%.3f s)\n", r.Samples, r.Seconds)
	fmt.Fprintf(w, "current:   mean=%.4f A std=%.4f A min=%.4f A max=%.4f A\n", r.MeanAmps, r.StdAmps, r.MinAmps, r.MaxAmps)
	fmt.Fprintf(w, "ripple:    %.2f Hz\n", r.RippleHz)
	fmt.Fprintf(w, "speed:     %.0f rpm\n", r.RPM)
}

// record drives the bridge at duty for dur and returns the sense samples
// converted to amperes.
func record(d *hal.Driver, duty float64, dur time.Duration, scale float64) ([]float64, error) {
	if err := d.SetDuty(duty); err != nil {
		return nil, err
	}
	defer d.SetDuty(0)

	rate := d.ADCSampleRate()
	out := make([]float64, 0, int(rate*dur.Seconds())+1024)
	buf := make([]float64, 1024)
	deadline := time.Now().Add(dur)
	for time.Now().Before(deadline) {
		time.Sleep(chunk)
		for {
			n, err := d.ADCSamples(buf)
			if err != nil {
				return nil, err
			}
			out = append(out, buf[:n]...)
			if n < len(buf) {
				break
			}
		}
	}
	floats.Scale(scale, out)
	return out, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config (hal and motor sections are used)")
		in         = flag.String("in", "", "Analyse this .npy waveform (amperes) instead of recording")
		rate       = flag.Float64("rate", hal.DefaultSampleRateHz, "Sample rate of -in in Hz")
		duty       = flag.Float64("duty", 0.3, "Open-loop bridge duty while recording, -1..1")
		dur        = flag.Duration("duration", 2*time.Second, "Recording length")
		poles      = flag.Int("poles", 5, "Motor pole count for the RPM estimate")
		outDir     = flag.String("out", "", "Directory for the .npy file (default capture.dir)")
	)
	flag.Parse()

	log15.Root().SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StdoutHandler))
	log := log15.New("pkg", "ripplecap")

	if *in != "" {
		amps, err := capture.Read(*in)
		if err != nil {
			log.Crit("read waveform", "err", err)
			os.Exit(1)
		}
		analyze(amps, *rate, *poles).print(os.Stdout)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Crit("config load failed", "err", err)
			os.Exit(2)
		}
	}
	if *duty < -1 || *duty > 1 {
		log.Crit("duty must be in [-1,1]", "duty", *duty)
		os.Exit(2)
	}

	d, err := hal.NewDriver(cfg.HAL)
	if err != nil {
		log.Crit("hal config", "err", err)
		os.Exit(2)
	}
	if err := d.Init(); err != nil {
		log.Crit("hal init", "err", err)
		os.Exit(1)
	}
	defer d.Close()

	log.Info("recording", "backend", cfg.HAL.Backend, "duty", *duty, "duration", *dur)
	amps, err := record(d, *duty, *dur, cfg.Motor.CurrentScale)
	if err != nil {
		log.Error("recording failed", "err", err)
		return
	}
	analyze(amps, d.ADCSampleRate(), *poles).print(os.Stdout)

	dir := *outDir
	if dir == "" {
		dir = cfg.Capture.Dir
	}
	path := filepath.Join(dir, capture.FileName("ripple"))
	if err := capture.Write(path, amps); err != nil {
		log.Error("save waveform", "err", err)
		return
	}
	log.Info("waveform saved", "path", path, "samples", len(amps))
}
