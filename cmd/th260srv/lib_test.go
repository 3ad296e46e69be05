package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/tcspc/picoquant/th260"
)

func mockServer(t *testing.T, c Config) *httptest.Server {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	bus, err := c.Bus(l)
	if err != nil {
		t.Fatal(err)
	}
	drv := th260.New(c.Driver, th260.NewRegistry(), l)
	if _, err := drv.Register(bus); err != nil {
		t.Fatal(err)
	}
	mux, closers, err := BuildMux(c, drv)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		for _, c := range closers {
			c()
		}
		drv.Close()
	})
	return srv
}

func TestMockServerServesEveryCard(t *testing.T) {
	c := DefaultConfig()
	c.Mock = true
	c.MockCards = []MockCard{{Serial: "1000001"}, {Serial: "1000002", PayloadCode: 5}}
	srv := mockServer(t, c)

	resp, err := http.Get(srv.URL + "/endpoints")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	graph := map[string][]string{}
	if err := json.NewDecoder(resp.Body).Decode(&graph); err != nil {
		t.Fatal(err)
	}
	var stems []string
	for k := range graph {
		stems = append(stems, k)
	}
	if len(stems) != 2 || graph["/th260pcie0"] == nil || graph["/th260pcie1"] == nil {
		t.Errorf("unexpected endpoints %v", stems)
	}

	resp2, err := http.Get(srv.URL + "/th260pcie1/serial")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var s struct {
		Str string `json:"str"`
	}
	json.NewDecoder(resp2.Body).Decode(&s)
	if s.Str != "1000002" {
		t.Errorf("expected serial 1000002, got %q", s.Str)
	}
}

func TestNodesMapToEndpoints(t *testing.T) {
	c := DefaultConfig()
	c.Mock = true
	c.Nodes = []Node{{Device: "th260pcie0", Endpoint: "lab/tcspc/"}}
	srv := mockServer(t, c)

	resp, err := http.Get(srv.URL + "/lab/tcspc/read?bytes=256")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Payload-CRC32") == "" {
		t.Error("no checksum header")
	}
}

func TestUnknownNode(t *testing.T) {
	c := DefaultConfig()
	c.Mock = true
	c.Nodes = []Node{{Device: "th260pcie3", Endpoint: "x"}}
	l := logrus.New()
	l.SetOutput(io.Discard)
	bus, _ := c.Bus(l)
	drv := th260.New(c.Driver, th260.NewRegistry(), l)
	defer drv.Close()
	drv.Register(bus)
	if _, _, err := BuildMux(c, drv); err == nil {
		t.Error("expected an error for a node that is not attached")
	}
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	exp := th260.DefaultConfig()
	if diff := cmp.Diff(exp, c.Driver); diff != "" {
		t.Errorf("driver config mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteconf(t *testing.T) {
	saved := k
	defer func() { k = saved }()

	k = koanf.New(".")
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	var buf bytes.Buffer
	if err := writeconf(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "LogLevel: "+DefaultConfig().LogLevel) {
		t.Errorf("defaults missing from\n%s", buf.String())
	}

	k = koanf.New(".")
	k.Load(confmap.Provider(map[string]interface{}{"driver": "nope"}, "."), nil)
	buf.Reset()
	if err := writeconf(&buf); err == nil {
		t.Error("expected an error for a malformed driver section")
	}
	if buf.Len() != 0 {
		t.Errorf("wrote a config that did not load:\n%s", buf.String())
	}
}
