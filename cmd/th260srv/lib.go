package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/tcspc/generichttp"
	"github.com/nasa-jpl/tcspc/generichttp/tcspc"
	"github.com/nasa-jpl/tcspc/hal"
	"github.com/nasa-jpl/tcspc/hal/sim"
	"github.com/nasa-jpl/tcspc/picoquant/th260"
	"github.com/nasa-jpl/tcspc/server/middleware/locker"
)

// Node binds a device node to a URL
type Node struct {
	// Device is the node name, e.g. th260pcie0
	Device string `koanf:"device" yaml:"Device"`

	// Endpoint is the URL the routes of the card are served under,
	// "lab/tcspc" serves /lab/tcspc/read and so on
	Endpoint string `koanf:"endpoint" yaml:"Endpoint"`
}

// MockCard describes a simulated card
type MockCard struct {
	Serial string `koanf:"serial" yaml:"Serial"`

	// PayloadCode sets the link payload to 32 << PayloadCode bytes
	PayloadCode uint32 `koanf:"payloadcode" yaml:"PayloadCode"`
}

// Config is a struct that holds the initialization parameters for the server
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"addr" yaml:"Addr"`

	// LogLevel is a logrus level name
	LogLevel string `koanf:"loglevel" yaml:"LogLevel"`

	// Mock replaces the host PCI bus with simulated cards
	Mock bool `koanf:"mock" yaml:"Mock"`

	// MockCards are the cards on the simulated bus
	MockCards []MockCard `koanf:"mockcards" yaml:"MockCards"`

	// Driver tunes the driver core
	Driver th260.Config `koanf:"driver" yaml:"Driver"`

	// Nodes lists the cards to serve.  When empty every attached card is
	// served under its node name.
	Nodes []Node `koanf:"nodes" yaml:"Nodes"`
}

// DefaultConfig is the configuration written by mkconf
func DefaultConfig() Config {
	return Config{
		Addr:      ":8000",
		LogLevel:  "info",
		MockCards: []MockCard{{Serial: "1000000", PayloadCode: 2}},
		Driver:    th260.DefaultConfig(),
		Nodes:     []Node{},
	}
}

// Bus returns the PCI bus the driver binds cards on
func (c Config) Bus(log *logrus.Logger) (hal.Bus, error) {
	if !c.Mock {
		return hostBus(log)
	}
	cards := make([]*sim.Card, 0, len(c.MockCards))
	for i, mc := range c.MockCards {
		cards = append(cards, sim.NewCard(sim.Config{
			Name:        fmt.Sprintf("0000:%02x:00.0", i+3),
			Serial:      mc.Serial,
			PayloadCode: mc.PayloadCode,
		}))
	}
	return sim.NewBus(cards...), nil
}

// BuildMux makes a chi router with a sub router per node, each with its own
// lock, and an /endpoints route listing every route as JSON.  The returned
// closers release the mappings the HTTP wrappers hold.
func BuildMux(c Config, drv *th260.Driver) (chi.Router, []func() error, error) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	var closers []func() error

	nodes := c.Nodes
	if len(nodes) == 0 {
		for _, name := range drv.Nodes() {
			nodes = append(nodes, Node{Device: name, Endpoint: name})
		}
	}
	for _, node := range nodes {
		h, err := drv.Open(node.Device, 0)
		if err != nil {
			return nil, closers, err
		}
		httper := tcspc.NewHTTPCard(h)
		closers = append(closers, httper.Close, h.Close)

		// prepare the URL, "lab/tcspc" => "/lab/tcspc"
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)

		// add a lock interface for this node
		lock := locker.New()
		locker.Inject(httper, lock)
		supergraph[hndlS] = httper.RT().Endpoints()

		r := chi.NewRouter()
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root, closers, nil
}
