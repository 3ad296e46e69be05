package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/tcspc/picoquant/th260"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "th260srv.yml"
	k              = koanf.New(".")
	log            = logrus.New()
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `th260srv binds TimeHarp 260 PCIe cards and exposes them over HTTP
so that acquisition clients need not run on the machine holding the cards.

Usage:
	th260srv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `th260srv is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

The cards must be bound to uio_pci_generic and a u-dma-buf of at least one page
must exist for each card, e.g.

	echo 10ee 1012 > /sys/bus/pci/drivers/uio_pci_generic/new_id
	modprobe u-dma-buf udmabuf0=524288

With Mock: true the cards listed under MockCards are simulated instead.

Without Nodes, every attached card is served under its node name, e.g.
/th260pcie0/read.  Each card serves:
	GET    /version, /serial, /bar-offset
	GET    /read?bytes=N      octet stream, X-Payload-CRC32 header
	POST   /mapping {"int": length}, DELETE /mapping
	GET    /mapping/register?offset=0x40
	POST   /mapping/register {"offset": 64, "value": 1}
	GET    /lock, POST /lock {"bool": true}

/endpoints lists every route.`
	fmt.Println(str)
}

func mkconf() {
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := writeconf(f); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	if err := writeconf(os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// writeconf dumps the loaded configuration as yaml
func writeconf(w io.Writer) error {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return err
	}
	return yml.NewEncoder(w).Encode(c)
}

func pversion() {
	fmt.Printf("th260srv version %v, driver interface %#08x\n", Version, th260.Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	bus, err := c.Bus(log)
	if err != nil {
		log.Fatal(err)
	}
	drv := th260.New(c.Driver, th260.NewRegistry(), log)
	n, err := drv.Register(bus)
	if err != nil {
		log.Fatal(err)
	}
	if n == 0 {
		log.Fatal("no cards attached")
	}
	mux, closers, err := BuildMux(c, drv)
	if err != nil {
		drv.Close()
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv := &http.Server{Addr: c.Addr, Handler: mux}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("now listening for requests at %s", c.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		for _, c := range closers {
			c()
		}
		drv.Close()
		return err
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
