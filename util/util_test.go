package util_test

import (
	"fmt"
	"testing"

	"github.com/nasa-jpl/tcspc/util"
)

func ExampleSetBit_msb() {
	out := util.SetBit(0, 7, true)
	fmt.Printf("%08b\n", out)
	// Output: 10000000
}

func ExampleSetBit_lsb() {
	out := util.SetBit(255, 0, false)
	fmt.Printf("%08b\n", out)
	// Output: 11111110
}

func TestGetBit(t *testing.T) {
	var b byte = 0x04
	for i := uint(0); i < 8; i++ {
		if got := util.GetBit(b, i); got != (i == 2) {
			t.Errorf("bit %d of %08b: got %v", i, b, got)
		}
	}
}

func TestSetBitRoundTrip(t *testing.T) {
	for i := uint(0); i < 8; i++ {
		if !util.GetBit(util.SetBit(0, i, true), i) {
			t.Errorf("bit %d not set", i)
		}
		if util.GetBit(util.SetBit(0xFF, i, false), i) {
			t.Errorf("bit %d not cleared", i)
		}
	}
}
