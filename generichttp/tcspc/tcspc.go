// Package tcspc exposes time-correlated photon counting cards over HTTP
package tcspc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"net/http"
	"strconv"
	"sync"

	"github.com/snksoft/crc"

	"github.com/nasa-jpl/tcspc/generichttp"
	"github.com/nasa-jpl/tcspc/picoquant/th260"
	"github.com/nasa-jpl/tcspc/regs"
	"github.com/nasa-jpl/tcspc/server"
)

// DefaultMaxRead is the largest read served in one request
const DefaultMaxRead = 64 << 20

// ErrNoLease is generated when a register access is made without holding
// the mapping
var ErrNoLease = errors.New("no register mapping is held, POST /mapping first")

var crcTable = crc.NewTable(crc.CRC32)

// Card is a photon counting card
type Card interface {
	// Read fills dst[:count] with data from the card
	Read(ctx context.Context, dst []byte, count int) (int, error)

	// Version is the driver interface version
	Version() (uint32, error)

	// Serial is the serial number of the card
	Serial() (uint64, error)

	// BarOffset is the page offset of the register bank
	BarOffset() (uint32, error)

	// MapRegisters takes the exclusive register mapping
	MapRegisters(length int) (*th260.Mapping, error)
}

// RegisterWrite is the body of a register write
type RegisterWrite struct {
	Offset uint32 `json:"offset"`
	Value  uint32 `json:"value"`
}

// Checksum is the CRC-32 of b, as sent in the X-Payload-CRC32 header
func Checksum(b []byte) uint32 {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, b)
	return crcTable.CRC32(c)
}

// StatusFor maps a driver error to an HTTP status code
func StatusFor(err error) int {
	switch {
	case errors.Is(err, th260.ErrFault), errors.Is(err, th260.ErrInvalidArgument), errors.Is(err, ErrNoLease):
		return http.StatusBadRequest
	case errors.Is(err, th260.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, th260.ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, th260.ErrTryAgain):
		return http.StatusServiceUnavailable
	case errors.Is(err, th260.ErrNoDevice):
		return http.StatusNotFound
	case errors.Is(err, th260.ErrMappingClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, th260.ErrInterrupted) {
		// the client went away, nobody is listening
		return
	}
	http.Error(w, err.Error(), StatusFor(err))
}

// HTTPCard wraps a Card in an HTTP route table.  It holds at most one
// register mapping on behalf of its clients.
type HTTPCard struct {
	// Card is the underlying card
	Card Card

	// MaxRead is the largest byte count a single read may ask for
	MaxRead int

	mu    sync.Mutex
	lease *th260.Mapping

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPCard returns a new HTTP wrapper around an open card
func NewHTTPCard(c Card) *HTTPCard {
	h := &HTTPCard{Card: c, MaxRead: DefaultMaxRead}
	h.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/version"}:             h.GetVersion,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/serial"}:              h.GetSerial,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/bar-offset"}:          h.GetBarOffset,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/read"}:                h.Read,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/mapping"}:            h.Map,
		generichttp.MethodPath{Method: http.MethodDelete, Path: "/mapping"}:          h.Unmap,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/mapping/register"}:    h.ReadRegister,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/mapping/register"}:   h.WriteRegister,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/mapping/held"}:        generichttp.GetBool(h.held),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/mapping/window-size"}: generichttp.GetInt(windowSize),
	}
	return h
}

// RT satisfies the generichttp.HTTPer interface
func (h *HTTPCard) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Close releases a held mapping
func (h *HTTPCard) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lease == nil {
		return nil
	}
	err := h.lease.Close()
	h.lease = nil
	return err
}

func windowSize() (int, error) { return regs.WindowSize, nil }

func (h *HTTPCard) held() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lease != nil, nil
}

// GetVersion returns the driver version as {"u64": version}
func (h *HTTPCard) GetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.Card.Version()
	if err != nil {
		writeError(w, err)
		return
	}
	hp := server.HumanPayload{T: types.Uint64, Uint64: uint64(v)}
	hp.EncodeAndRespond(w, r)
}

// GetSerial returns the serial number as {"str": serial}
func (h *HTTPCard) GetSerial(w http.ResponseWriter, r *http.Request) {
	s, err := h.Card.Serial()
	if err != nil {
		writeError(w, err)
		return
	}
	hp := server.HumanPayload{T: types.String, String: regs.SerialString(s)}
	hp.EncodeAndRespond(w, r)
}

// GetBarOffset returns the register bank page offset as {"int": offset}
func (h *HTTPCard) GetBarOffset(w http.ResponseWriter, r *http.Request) {
	off, err := h.Card.BarOffset()
	if err != nil {
		writeError(w, err)
		return
	}
	hp := server.HumanPayload{T: types.Int, Int: int(off)}
	hp.EncodeAndRespond(w, r)
}

// Read reads ?bytes=N from the card and sends them as the body.  The
// X-Payload-CRC32 header holds the checksum of the body.  If the client goes
// away part way the read stops at the next burst.
func (h *HTTPCard) Read(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("bytes"))
	if err != nil {
		http.Error(w, fmt.Sprintf("bytes: %v", err), http.StatusBadRequest)
		return
	}
	if n < 0 || n > h.MaxRead {
		http.Error(w, fmt.Sprintf("bytes must be between 0 and %d", h.MaxRead), http.StatusBadRequest)
		return
	}
	buf := make([]byte, n)
	got, err := h.Card.Read(r.Context(), buf, n)
	if err != nil {
		writeError(w, err)
		return
	}
	if got < n && r.Context().Err() != nil {
		return
	}
	buf = buf[:got]
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(got))
	w.Header().Set("X-Payload-CRC32", fmt.Sprintf("%08x", Checksum(buf)))
	w.WriteHeader(http.StatusOK)
	w.Write(buf)
}

// Map takes the register mapping for {"int": length} bytes and returns the
// page offset of the bank as {"int": offset}
func (h *HTTPCard) Map(w http.ResponseWriter, r *http.Request) {
	in := server.IntT{}
	err := json.NewDecoder(r.Body).Decode(&in)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lease != nil {
		http.Error(w, th260.ErrBusy.Error(), http.StatusConflict)
		return
	}
	m, err := h.Card.MapRegisters(in.Int)
	if err != nil {
		writeError(w, err)
		return
	}
	h.lease = m
	hp := server.HumanPayload{T: types.Int, Int: int(m.Offset())}
	hp.EncodeAndRespond(w, r)
}

// Unmap releases the register mapping
func (h *HTTPCard) Unmap(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lease == nil {
		writeError(w, ErrNoLease)
		return
	}
	err := h.lease.Close()
	h.lease = nil
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ReadRegister reads the register at ?offset= through the mapping and
// returns it as {"u64": value}
func (h *HTTPCard) ReadRegister(w http.ResponseWriter, r *http.Request) {
	off, err := strconv.ParseUint(r.URL.Query().Get("offset"), 0, 32)
	if err != nil {
		http.Error(w, fmt.Sprintf("offset: %v", err), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lease == nil {
		writeError(w, ErrNoLease)
		return
	}
	v, err := h.lease.Read32(uint32(off))
	if err != nil {
		writeError(w, err)
		return
	}
	hp := server.HumanPayload{T: types.Uint64, Uint64: uint64(v)}
	hp.EncodeAndRespond(w, r)
}

// WriteRegister writes a RegisterWrite through the mapping
func (h *HTTPCard) WriteRegister(w http.ResponseWriter, r *http.Request) {
	rw := RegisterWrite{}
	err := json.NewDecoder(r.Body).Decode(&rw)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lease == nil {
		writeError(w, ErrNoLease)
		return
	}
	if err := h.lease.Write32(rw.Offset, rw.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
