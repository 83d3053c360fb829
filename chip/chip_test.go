package chip_test

import (
	"errors"
	"testing"

	"github.com/nasa-jpl/patchclamp/chip"
)

func TestListValidate(t *testing.T) {
	cases := []struct {
		list  chip.List
		chips int
		ok    bool
	}{
		{chip.List{{0, 0}, {0, 3}, {1, 0}}, 2, true},
		{chip.List{{2, 0}}, 2, false},
		{chip.List{{0, chip.ChannelsPerChip}}, 1, false},
		{chip.List{{-1, 0}}, 1, false},
		{chip.List{{chip.MaxChips, 0}}, chip.MaxChips + 1, false},
	}
	for i, c := range cases {
		err := c.list.Validate(c.chips)
		if c.ok && err != nil {
			t.Errorf("case %d: unexpected error %v", i, err)
		}
		if !c.ok && !errors.Is(err, chip.ErrInvalidChannel) {
			t.Errorf("case %d: expected ErrInvalidChannel, got %v", i, err)
		}
	}
}

func TestFirstDuplicate(t *testing.T) {
	l := chip.List{{0, 0}, {0, 1}, {0, 0}}
	cc, ok := l.FirstDuplicate()
	if !ok || cc != (chip.ChipChannel{0, 0}) {
		t.Errorf("expected duplicate 0:0, got %v %v", cc, ok)
	}
	if _, ok := l.Unique().FirstDuplicate(); ok {
		t.Error("Unique left a duplicate")
	}
}

func TestRepeatKeepsOrder(t *testing.T) {
	l := chip.List{{0, 0}, {0, 1}, {1, 0}}
	r := l.Repeat(2)
	expected := chip.List{{0, 0}, {0, 1}, {1, 0}, {0, 0}, {0, 1}, {1, 0}}
	if !r.Equal(expected) {
		t.Errorf("expected %s got %s", expected, r)
	}
}

func TestParseListRoundTrip(t *testing.T) {
	l := chip.List{{0, 0}, {3, 2}, {1, 1}}
	out, err := chip.ParseList(l.String())
	if err != nil {
		t.Fatal(err)
	}
	if !out.Equal(l) {
		t.Errorf("expected %s got %s", l, out)
	}
	if _, err := chip.ParseList("0;1"); err == nil {
		t.Error("expected malformed list to fail")
	}
}

func TestChipsInOrder(t *testing.T) {
	l := chip.List{{2, 0}, {0, 1}, {2, 3}, {1, 0}}
	chips := l.Chips()
	expected := []int{2, 0, 1}
	if len(chips) != len(expected) {
		t.Fatalf("expected %v got %v", expected, chips)
	}
	for i := range chips {
		if chips[i] != expected[i] {
			t.Errorf("expected %v got %v", expected, chips)
		}
	}
}

func TestChannelRegisterFields(t *testing.T) {
	var r chip.ChannelRegisters
	r.SetVoltageClamp(true)
	r.SetRange2x(true)
	r.SetFilterSelect(9)
	r.SetHolding(-1234)
	r.SetStepSelect(3)
	r.SetFeedbackSelect(12)
	if !r.VoltageClamp() || !r.Range2x() || r.CompensationEnabled() {
		t.Errorf("mode bits wrong: %016b", r[0])
	}
	if r.FilterSelect() != 9 {
		t.Errorf("expected filter 9 got %d", r.FilterSelect())
	}
	if r.Holding() != -1234 {
		t.Errorf("expected holding -1234 got %d", r.Holding())
	}
	if r.StepSelect() != 3 || r.FeedbackSelect() != 12 {
		t.Errorf("scale fields wrong: %016b", r[2])
	}
	r.SetVoltageClamp(false)
	if r.VoltageClamp() || !r.Range2x() {
		t.Errorf("clearing one bit disturbed another: %016b", r[0])
	}
}

func TestChipRegisterFields(t *testing.T) {
	var r chip.Registers
	r.SetID(0xA5)
	r.SetPowered(true)
	if r.ID() != 0xA5 || !r.Powered() {
		t.Errorf("global register wrong: %016b", r.Global[0])
	}
}
