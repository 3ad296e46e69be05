// Command th260dump reads a block of raw data from a TimeHarp 260 card into
// a file.  Ctrl-C stops the read at the next burst and keeps what arrived.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/tcspc/hal"
	"github.com/nasa-jpl/tcspc/hal/sim"
	"github.com/nasa-jpl/tcspc/picoquant/th260"
	"github.com/nasa-jpl/tcspc/regs"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

// CLI is the command line
type CLI struct {
	Node    string        `help:"Device node to read from." default:"th260pcie0"`
	Bytes   int           `help:"Number of bytes to read, a multiple of 8." default:"1048576"`
	Chunk   int           `help:"Bytes per read call." default:"${chunk}"`
	Out     string        `help:"Output file, - for stdout." default:"-"`
	Mock    bool          `help:"Read from a simulated card."`
	Timeout time.Duration `help:"Per burst timeout." default:"500ms"`
	Verbose bool          `short:"v" help:"Log driver activity."`
	Version kong.VersionFlag
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("th260dump"),
		kong.Description("Dump raw TimeHarp 260 data to a file."),
		kong.UsageOnError(),
		kong.Vars{
			"version": Version,
			"chunk":   fmt.Sprint(1 << 20),
		})
	kctx.FatalIfErrorf(run(cli))
}

func run(cli CLI) error {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if !cli.Verbose {
		log.SetLevel(logrus.WarnLevel)
	}

	var bus hal.Bus
	if cli.Mock {
		bus = sim.NewBus(sim.NewCard(sim.Config{PayloadCode: 2}))
	} else {
		b, err := hostBus(log)
		if err != nil {
			return err
		}
		bus = b
	}

	cfg := th260.DefaultConfig()
	cfg.BurstTimeout = cli.Timeout
	drv := th260.New(cfg, th260.NewRegistry(), log)
	defer drv.Close()
	if _, err := drv.Register(bus); err != nil {
		return err
	}
	h, err := drv.Open(cli.Node, 0)
	if err != nil {
		return err
	}
	defer h.Close()

	var out io.Writer = os.Stdout
	if cli.Out != "-" {
		f, err := os.Create(cli.Out)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[59],
		Writer:            os.Stderr,
		Suffix:            " reading",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return err
	}
	spinner.Start()

	name := label(h, log)
	n, err := dump(ctx, h, out, cli.Bytes, cli.Chunk, func(done int) {
		spinner.Message(fmt.Sprintf("%s: %d of %d bytes", name, done, cli.Bytes))
	})
	if err != nil {
		spinner.StopFailMessage(fmt.Sprintf("%d bytes: %v", n, err))
		spinner.StopFail()
		return err
	}
	spinner.StopMessage(fmt.Sprintf("%d bytes", n))
	spinner.Stop()
	return nil
}

// label names the card in progress messages by its serial number
func label(h interface{ Serial() (uint64, error) }, log logrus.FieldLogger) string {
	serial, err := h.Serial()
	if err != nil {
		log.WithError(err).Warn("reading serial number")
		return "unknown serial"
	}
	return regs.SerialString(serial)
}

// reader is the read side of a handle
type reader interface {
	Read(ctx context.Context, dst []byte, count int) (int, error)
}

// dump copies total bytes from r to w in chunks, calling progress after
// each.  A cancelled ctx ends the copy early without an error.
func dump(ctx context.Context, r reader, w io.Writer, total, chunk int, progress func(int)) (int, error) {
	if chunk <= 0 {
		return 0, errors.New("chunk must be positive")
	}
	buf := make([]byte, chunk)
	done := 0
	for done < total {
		want := total - done
		if want > chunk {
			want = chunk
		}
		n, err := r.Read(ctx, buf, want)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return done, werr
			}
			done += n
			progress(done)
		}
		if errors.Is(err, th260.ErrInterrupted) {
			return done, nil
		}
		if err != nil {
			return done, err
		}
		if n < want {
			// interrupted part way
			return done, nil
		}
	}
	return done, nil
}
