package dma_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/tcspc/dma"
	"github.com/nasa-jpl/tcspc/regs"
)

func ExamplePlan() {
	b, _ := dma.Plan(128, 2048)
	fmt.Println(b.UnitSize, b.UnitCount)
	// Output: 128 4
}

func ExamplePlan_notPowerOfTwo() {
	b, _ := dma.Plan(100, 400)
	fmt.Println(b.UnitSize, b.UnitCount)
	// Output: 100 1
}

func TestPlanProperties(t *testing.T) {
	maxes := []uint32{8, 16, 32, 64, 100, 128, 256, 512, 1024}
	for _, max := range maxes {
		for words := uint32(1); words <= 4096; words++ {
			c := words * 4
			b, err := dma.Plan(max, c)
			if err != nil {
				if !errors.Is(err, dma.ErrSizingFailed) {
					t.Fatalf("max %d, %d bytes: unexpected error type %v", max, c, err)
				}
				continue
			}
			if b.UnitSize*b.UnitCount != words {
				t.Errorf("max %d, %d words: %d*%d != words", max, words, b.UnitSize, b.UnitCount)
			}
			if b.UnitCount > dma.MaxUnitCount {
				t.Errorf("max %d, %d words: unit count %d too large", max, words, b.UnitCount)
			}
			if b.UnitSize > max || b.UnitSize < dma.MinUnit {
				t.Errorf("max %d, %d words: unit size %d out of [%d,%d]", max, words, b.UnitSize, dma.MinUnit, max)
			}
			if b.ByteCount != c {
				t.Errorf("max %d: byte count %d, expected %d", max, b.ByteCount, c)
			}
		}
	}
}

func TestPlanEvenWordCountsAlwaysSize(t *testing.T) {
	// with power of two maxima the search reaches 2, which divides any even count
	for _, max := range []uint32{8, 128, 1024} {
		for words := uint32(2); words <= 2048; words += 2 {
			if _, err := dma.Plan(max, words*4); err != nil {
				t.Errorf("max %d, %d words: %v", max, words, err)
			}
		}
	}
}

func TestPlanRejects(t *testing.T) {
	cases := []struct {
		max, bytes uint32
	}{
		{128, 0},        // nothing to do
		{128, 4},        // one word is below the smallest unit
		{128, 6},        // not whole words
		{128, 10},       // whole units, not whole bytes
		{8, 12},         // three words, odd
		{2, 65536 * 8},  // 65536 units of 2 words
		{1, 1024},       // max unit below the floor
	}
	for _, c := range cases {
		b, err := dma.Plan(c.max, c.bytes)
		if !errors.Is(err, dma.ErrSizingFailed) {
			t.Errorf("Plan(%d, %d) = %+v, %v; expected ErrSizingFailed", c.max, c.bytes, b, err)
		}
	}
}

func TestPlanHalvesFromMaximum(t *testing.T) {
	b, err := dma.Plan(128, 96*4)
	if err != nil {
		t.Fatal(err)
	}
	expected := dma.Burst{ByteCount: 384, UnitSize: 32, UnitCount: 3}
	if diff := cmp.Diff(expected, b); diff != "" {
		t.Errorf("Plan mismatch (-want +got):\n%s", diff)
	}
}

type write struct {
	Off, Val uint32
}

type recorder struct {
	writes []write
}

func (r *recorder) Read32(off uint32) uint32 { return 0 }
func (r *recorder) Write32(off, v uint32)    { r.writes = append(r.writes, write{off, v}) }
func (r *recorder) Len() int                 { return regs.WindowSize }

func TestStartProgramOrder(t *testing.T) {
	rec := &recorder{}
	w := regs.New(rec)
	dma.Start(w, 0x1000_0000, dma.Burst{ByteCount: 2048, UnitSize: 128, UnitCount: 4})
	expected := []write{
		{regs.DCR, 1},
		{regs.DCR, 0},
		{regs.WriteAddr, 0x1000_0000},
		{regs.WriteSize, 128},
		{regs.WriteCount, 4},
		{regs.DCSR, regs.StatusStart},
	}
	if diff := cmp.Diff(expected, rec.writes); diff != "" {
		t.Errorf("register writes mismatch (-want +got):\n%s", diff)
	}
}
