package tcspc_test

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/tcspc/generichttp/tcspc"
	"github.com/nasa-jpl/tcspc/hal/sim"
	"github.com/nasa-jpl/tcspc/picoquant/th260"
	"github.com/nasa-jpl/tcspc/server"
	"github.com/nasa-jpl/tcspc/server/middleware/locker"
)

func setup(t *testing.T, scfg sim.Config) (*httptest.Server, *sim.Card) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := th260.DefaultConfig()
	cfg.BurstTimeout = 50 * time.Millisecond
	card := sim.NewCard(scfg)
	drv := th260.New(cfg, th260.NewRegistry(), log)
	if _, err := drv.Register(sim.NewBus(card)); err != nil {
		t.Fatal(err)
	}
	h, err := drv.Open("th260pcie0", 0)
	if err != nil {
		t.Fatal(err)
	}
	httper := tcspc.NewHTTPCard(h)
	lock := locker.New()
	locker.Inject(httper, lock)
	r := chi.NewRouter()
	r.Use(lock.Check)
	httper.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		httper.Close()
		drv.Close()
	})
	return srv, card
}

func getJSON(t *testing.T, url string, v interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: %d %s", url, resp.StatusCode, b)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func post(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func TestQueries(t *testing.T) {
	srv, _ := setup(t, sim.Config{Serial: "1042177", BarStart: 0xF7C0_0800})

	var v server.Uint64T
	getJSON(t, srv.URL+"/version", &v)
	if v.Uint64 != uint64(th260.Version) {
		t.Errorf("expected version %#x, got %#x", th260.Version, v.Uint64)
	}
	var s server.StrT
	getJSON(t, srv.URL+"/serial", &s)
	if s.Str != "1042177" {
		t.Errorf("expected serial 1042177, got %q", s.Str)
	}

	resp := post(t, srv.URL+"/mapping", server.IntT{Int: 4096})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mapping: %d", resp.StatusCode)
	}
	var off server.IntT
	getJSON(t, srv.URL+"/bar-offset", &off)
	if off.Int != 0x800 {
		t.Errorf("expected bar offset 0x800, got %#x", off.Int)
	}
}

func TestReadEndpoint(t *testing.T) {
	srv, _ := setup(t, sim.Config{PayloadCode: 3})
	resp, err := http.Get(srv.URL + "/read?bytes=4096")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != 4096 {
		t.Fatalf("expected 4096 bytes, got %d", len(body))
	}
	for i := 0; i < len(body); i += 4 {
		if got := binary.LittleEndian.Uint32(body[i:]); got != uint32(i/4) {
			t.Fatalf("word %d: got %d", i/4, got)
		}
	}
	exp := fmt.Sprintf("%08x", tcspc.Checksum(body))
	if got := resp.Header.Get("X-Payload-CRC32"); got != exp {
		t.Errorf("expected checksum %s, got %s", exp, got)
	}
}

func TestChecksum(t *testing.T) {
	// the standard CRC-32 check value
	if c := tcspc.Checksum([]byte("123456789")); c != 0xCBF43926 {
		t.Errorf("expected 0xcbf43926, got %#x", c)
	}
}

func TestReadErrors(t *testing.T) {
	srv, card := setup(t, sim.Config{})
	cases := []struct {
		query string
		code  int
	}{
		{"bytes=abc", http.StatusBadRequest},
		{"bytes=-4", http.StatusBadRequest},
		{"bytes=6", http.StatusBadRequest},
		{fmt.Sprintf("bytes=%d", tcspc.DefaultMaxRead+4), http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, err := http.Get(srv.URL + "/read?" + tc.query)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.code {
			t.Errorf("%s: expected %d, got %d", tc.query, tc.code, resp.StatusCode)
		}
	}

	card.SetStall(true)
	resp, err := http.Get(srv.URL + "/read?bytes=1024")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("stalled card: expected 504, got %d", resp.StatusCode)
	}
}

func TestMappingEndpoints(t *testing.T) {
	srv, card := setup(t, sim.Config{})

	resp, err := http.Get(srv.URL + "/mapping/register?offset=0x40")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("register read without a mapping: expected 400, got %d", resp.StatusCode)
	}

	if resp := post(t, srv.URL+"/mapping", server.IntT{Int: 1 << 20}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("oversized mapping: expected 400, got %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/mapping", server.IntT{Int: 65536}); resp.StatusCode != http.StatusOK {
		t.Fatalf("mapping: expected 200, got %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/mapping", server.IntT{Int: 65536}); resp.StatusCode != http.StatusConflict {
		t.Errorf("second mapping: expected 409, got %d", resp.StatusCode)
	}
	var held server.BoolT
	getJSON(t, srv.URL+"/mapping/held", &held)
	if !held.Bool {
		t.Error("expected the mapping to be held")
	}

	if resp := post(t, srv.URL+"/mapping/register", tcspc.RegisterWrite{Offset: 0x8, Value: 0xCAFE}); resp.StatusCode != http.StatusOK {
		t.Fatalf("register write: %d", resp.StatusCode)
	}
	if v := card.Register(0x8); v != 0xCAFE {
		t.Errorf("expected 0xcafe in the card, got %#x", v)
	}
	var v server.Uint64T
	getJSON(t, srv.URL+"/mapping/register?offset=8", &v)
	if v.Uint64 != 0xCAFE {
		t.Errorf("expected 0xcafe, got %#x", v.Uint64)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mapping", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("release: expected 200, got %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/mapping", server.IntT{Int: 4096}); resp.StatusCode != http.StatusOK {
		t.Errorf("mapping after release: expected 200, got %d", resp.StatusCode)
	}
}

func TestLockedCardRefusesReads(t *testing.T) {
	srv, _ := setup(t, sim.Config{})
	if resp := post(t, srv.URL+"/lock", server.BoolT{Bool: true}); resp.StatusCode != http.StatusOK {
		t.Fatalf("lock: %d", resp.StatusCode)
	}
	resp, err := http.Get(srv.URL + "/read?bytes=64")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("expected 423, got %d", resp.StatusCode)
	}
	var s server.StrT
	getJSON(t, srv.URL+"/serial", &s)
	var b server.BoolT
	getJSON(t, srv.URL+"/lock", &b)
	if !b.Bool {
		t.Error("expected the lock to read back as held")
	}
}

func TestStatusFor(t *testing.T) {
	errs := []error{
		th260.ErrFault,
		th260.ErrInvalidArgument,
		th260.ErrSizeInvalid,
		th260.ErrBusy,
		th260.ErrTimedOut,
		th260.ErrRemapFailed,
		th260.ErrNoDevice,
		th260.ErrMappingClosed,
		errors.New("something else"),
	}
	var got []int
	for _, err := range errs {
		got = append(got, tcspc.StatusFor(fmt.Errorf("wrapped: %w", err)))
	}
	exp := []int{400, 400, 400, 409, 504, 503, 404, 410, 500}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestEndpoints(t *testing.T) {
	h := tcspc.NewHTTPCard(nil)
	eps := h.RT().Endpoints()
	if !strings.Contains(strings.Join(eps, " "), "/read") {
		t.Errorf("read missing from %v", eps)
	}
	for i := 1; i < len(eps); i++ {
		if eps[i-1] >= eps[i] {
			t.Errorf("endpoints not sorted and unique: %v", eps)
		}
	}
}
