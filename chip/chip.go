// Package chip describes the amplifier chips attached to a clamp board: the
// (chip, channel) identity used everywhere else and the raw register words
// that are mirrored on the host and snapshotted into save files.
package chip

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxChips is the largest number of amplifier chips a board can address
	MaxChips = 8

	// ChannelsPerChip is the number of clamp channels on each chip
	ChannelsPerChip = 4
)

var (
	// ErrInvalidChannel is generated when a chip or channel index is out of range
	ErrInvalidChannel = errors.New("chip or channel index out of range")

	// ErrDuplicateChannel is generated when a channel list repeats a channel
	// and repetition was not requested
	ErrDuplicateChannel = errors.New("channel listed more than once")

	// ErrEmptyList is generated when an operation needs at least one channel
	ErrEmptyList = errors.New("channel list is empty")
)

// ChipChannel identifies one clamp channel on one chip
type ChipChannel struct {
	Chip    int `json:"chip" yaml:"chip"`
	Channel int `json:"channel" yaml:"channel"`
}

// String formats the channel as chip:channel
func (cc ChipChannel) String() string {
	return strconv.Itoa(cc.Chip) + ":" + strconv.Itoa(cc.Channel)
}

// Valid returns true if the channel exists on a board with numChips chips
func (cc ChipChannel) Valid(numChips int) bool {
	return cc.Chip >= 0 && cc.Chip < numChips && cc.Chip < MaxChips &&
		cc.Channel >= 0 && cc.Channel < ChannelsPerChip
}

// Index is the flat index of the channel, chip-major
func (cc ChipChannel) Index() int {
	return cc.Chip*ChannelsPerChip + cc.Channel
}

// ParseChipChannel parses the chip:channel form produced by String
func ParseChipChannel(s string) (ChipChannel, error) {
	var cc ChipChannel
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return cc, fmt.Errorf("%q is not of the form chip:channel", s)
	}
	c, err := strconv.Atoi(parts[0])
	if err != nil {
		return cc, fmt.Errorf("chip of %q: %w", s, err)
	}
	ch, err := strconv.Atoi(parts[1])
	if err != nil {
		return cc, fmt.Errorf("channel of %q: %w", s, err)
	}
	cc.Chip = c
	cc.Channel = ch
	return cc, nil
}

// List is an ordered list of channels.  Order is meaningful; it is the order
// in which the board visits the channels each sampling loop.
type List []ChipChannel

// Validate returns a wrapped ErrInvalidChannel for the first out of range
// channel, or nil
func (l List) Validate(numChips int) error {
	for i, cc := range l {
		if !cc.Valid(numChips) {
			return fmt.Errorf("entry %d (%s) with %d chips: %w", i, cc, numChips, ErrInvalidChannel)
		}
	}
	return nil
}

// FirstDuplicate returns the first channel that appears more than once
func (l List) FirstDuplicate() (ChipChannel, bool) {
	seen := make(map[ChipChannel]struct{}, len(l))
	for _, cc := range l {
		if _, ok := seen[cc]; ok {
			return cc, true
		}
		seen[cc] = struct{}{}
	}
	return ChipChannel{}, false
}

// Contains returns true if cc is in the list
func (l List) Contains(cc ChipChannel) bool {
	for _, x := range l {
		if x == cc {
			return true
		}
	}
	return false
}

// Unique returns the list with repeats removed, keeping first occurrences
func (l List) Unique() List {
	out := make(List, 0, len(l))
	seen := make(map[ChipChannel]struct{}, len(l))
	for _, cc := range l {
		if _, ok := seen[cc]; ok {
			continue
		}
		seen[cc] = struct{}{}
		out = append(out, cc)
	}
	return out
}

// Repeat returns the list concatenated with itself n times
func (l List) Repeat(n int) List {
	if n < 1 {
		n = 1
	}
	out := make(List, 0, len(l)*n)
	for i := 0; i < n; i++ {
		out = append(out, l...)
	}
	return out
}

// OnChip returns the entries of the list that live on chip, in order
func (l List) OnChip(chip int) List {
	var out List
	for _, cc := range l {
		if cc.Chip == chip {
			out = append(out, cc)
		}
	}
	return out
}

// Chips returns the distinct chips of the list in order of first appearance
func (l List) Chips() []int {
	var out []int
	seen := [MaxChips]bool{}
	for _, cc := range l {
		if cc.Chip < 0 || cc.Chip >= MaxChips || seen[cc.Chip] {
			continue
		}
		seen[cc.Chip] = true
		out = append(out, cc.Chip)
	}
	return out
}

// Equal returns true if both lists hold the same channels in the same order
func (l List) Equal(o List) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if l[i] != o[i] {
			return false
		}
	}
	return true
}

// String formats the list as comma separated chip:channel pairs
func (l List) String() string {
	s := make([]string, len(l))
	for i, cc := range l {
		s[i] = cc.String()
	}
	return strings.Join(s, ",")
}

// ParseList parses the output of List.String
func ParseList(s string) (List, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make(List, len(parts))
	for i, p := range parts {
		cc, err := ParseChipChannel(p)
		if err != nil {
			return nil, err
		}
		out[i] = cc
	}
	return out, nil
}
