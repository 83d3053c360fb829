package chip

import "github.com/nasa-jpl/patchclamp/util"

const (
	// NumChipRegisters is the number of chip-wide registers saved per chip
	NumChipRegisters = 4

	// NumChannelRegisters is the number of registers saved per channel
	NumChannelRegisters = 8
)

// channel register indices and bit positions.  Only the fields the waveform
// and save-file protocol need are named; the rest are carried raw.
const (
	regMode    = 0
	regHolding = 1
	regScale   = 2
	regComp    = 3

	bitVoltageClamp = 0
	bitRange2x      = 1
	bitCompEnable   = 2
	filterLSB       = 8
	filterWidth     = 4

	stepSelectLSB     = 0
	stepSelectWidth   = 4
	feedbackSelectLSB = 4
	feedbackWidth     = 4

	// chip register 0
	bitChipPowered = 0
	chipIDLSB      = 8
	chipIDWidth    = 8
)

// ChannelRegisters are the raw register words of one clamp channel
type ChannelRegisters [NumChannelRegisters]uint16

// VoltageClamp returns true if the channel is in voltage clamp mode
func (r ChannelRegisters) VoltageClamp() bool {
	return util.GetBit(r[regMode], bitVoltageClamp)
}

// SetVoltageClamp selects voltage clamp (true) or current clamp (false)
func (r *ChannelRegisters) SetVoltageClamp(b bool) {
	r[regMode] = util.SetBit(r[regMode], bitVoltageClamp, b)
}

// Range2x returns true if the doubled output range is selected
func (r ChannelRegisters) Range2x() bool {
	return util.GetBit(r[regMode], bitRange2x)
}

// SetRange2x selects the doubled output range
func (r *ChannelRegisters) SetRange2x(b bool) {
	r[regMode] = util.SetBit(r[regMode], bitRange2x, b)
}

// CompensationEnabled returns true if capacitive compensation is on
func (r ChannelRegisters) CompensationEnabled() bool {
	return util.GetBit(r[regMode], bitCompEnable)
}

// SetCompensationEnabled turns capacitive compensation on or off
func (r *ChannelRegisters) SetCompensationEnabled(b bool) {
	r[regMode] = util.SetBit(r[regMode], bitCompEnable, b)
}

// FilterSelect returns the index of the selected output filter
func (r ChannelRegisters) FilterSelect() int {
	return int(util.GetField(r[regMode], filterLSB, filterWidth))
}

// SetFilterSelect selects an output filter, 0~15
func (r *ChannelRegisters) SetFilterSelect(i int) {
	r[regMode] = util.SetField(r[regMode], filterLSB, filterWidth, uint16(i))
}

// Holding returns the holding value in device steps
func (r ChannelRegisters) Holding() int {
	return int(int16(r[regHolding]))
}

// SetHolding sets the holding value in device steps.  It is truncated to
// int16.
func (r *ChannelRegisters) SetHolding(v int) {
	r[regHolding] = uint16(int16(v))
}

// StepSelect returns the index of the selected DAC step size
func (r ChannelRegisters) StepSelect() int {
	return int(util.GetField(r[regScale], stepSelectLSB, stepSelectWidth))
}

// SetStepSelect selects the DAC step size, 0~15
func (r *ChannelRegisters) SetStepSelect(i int) {
	r[regScale] = util.SetField(r[regScale], stepSelectLSB, stepSelectWidth, uint16(i))
}

// FeedbackSelect returns the index of the selected feedback resistor
func (r ChannelRegisters) FeedbackSelect() int {
	return int(util.GetField(r[regScale], feedbackSelectLSB, feedbackWidth))
}

// SetFeedbackSelect selects the feedback resistor, 0~15
func (r *ChannelRegisters) SetFeedbackSelect(i int) {
	r[regScale] = util.SetField(r[regScale], feedbackSelectLSB, feedbackWidth, uint16(i))
}

// CompensationCode returns the raw capacitive compensation magnitude code
func (r ChannelRegisters) CompensationCode() uint16 {
	return r[regComp]
}

// SetCompensationCode sets the raw capacitive compensation magnitude code
func (r *ChannelRegisters) SetCompensationCode(v uint16) {
	r[regComp] = v
}

// Registers is the register mirror of one chip
type Registers struct {
	Channels [ChannelsPerChip]ChannelRegisters
	Global   [NumChipRegisters]uint16
}

// Powered returns true if the chip has been powered up
func (r Registers) Powered() bool {
	return util.GetBit(r.Global[0], bitChipPowered)
}

// SetPowered marks the chip powered up or down
func (r *Registers) SetPowered(b bool) {
	r.Global[0] = util.SetBit(r.Global[0], bitChipPowered, b)
}

// ID returns the chip ID byte
func (r Registers) ID() int {
	return int(util.GetField(r.Global[0], chipIDLSB, chipIDWidth))
}

// SetID sets the chip ID byte
func (r *Registers) SetID(id int) {
	r.Global[0] = util.SetField(r.Global[0], chipIDLSB, chipIDWidth, uint16(id))
}
