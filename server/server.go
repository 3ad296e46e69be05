// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"go/types"
	"net/http"
)

// BoolT is a struct with a single Bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// IntT is a struct with a single Int field
type IntT struct {
	Int int `json:"int"`
}

// Uint64T is a struct with a single Uint64 field
type Uint64T struct {
	Uint64 uint64 `json:"u64"`
}

// StrT is a struct with a single Str field
type StrT struct {
	Str string `json:"str"`
}

// HumanPayload is a struct containing the basic types server may wish to send
// back to a client, with T selecting the one that is sent
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Int    int
	Uint64 uint64
	String string
}

// EncodeAndRespond writes the payload as JSON, {"bool": true} and so on
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.Uint64:
		v = Uint64T{Uint64: hp.Uint64}
	case types.String:
		v = StrT{Str: hp.String}
	default:
		http.Error(w, "payload type not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
