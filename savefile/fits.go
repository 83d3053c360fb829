package savefile

import (
	"errors"
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
)

// ExportFITS writes the records of a main file as a FITS image with one row
// per record and four float64 columns: timestep, applied, clamp, measured.
// The header settings are carried as cards.
func ExportFITS(w io.Writer, h *HeaderData, recs []Record) error {
	if len(recs) == 0 {
		return errors.New("no records to export")
	}
	td := h.Time
	s := h.Settings
	metadata := []fitsio.Card{
		{Name: "CLPVER", Value: h.Version.String(), Comment: "save file version"},
		{Name: "DATE-OBS", Value: fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d", td.Year, td.Month, td.Day, td.Hour, td.Minute, td.Second)},
		{Name: "NCHIPS", Value: len(h.Chips)},
		{Name: "SRATE", Value: float64(s.SamplingRate), Comment: "Hz"},
		{Name: "VCLAMP", Value: s.VoltageClamp},
		{Name: "RANGE2X", Value: s.Range2x},
		{Name: "FCUTOFF", Value: float64(s.FilterCutoff), Comment: "Hz"},
		{Name: "COL1", Value: "timestep"},
		{Name: "COL2", Value: "applied"},
		{Name: "COL3", Value: "clamp"},
		{Name: "COL4", Value: "measured"},
	}
	if s.Waveform != nil {
		metadata = append(metadata,
			fitsio.Card{Name: "STEPSIZE", Value: s.Waveform.AppliedStepSize},
			fitsio.Card{Name: "OFFSET", Value: s.Waveform.Offset},
			fitsio.Card{Name: "NSEGS", Value: len(s.Waveform.Segments)})
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{4, len(recs)})
	defer im.Close()
	if err := im.Header().Append(metadata...); err != nil {
		return err
	}
	data := make([]float64, 0, 4*len(recs))
	for _, r := range recs {
		data = append(data, float64(r.Timestep), r.Applied, r.Clamp, r.Measured)
	}
	if err := im.Write(data); err != nil {
		return err
	}
	return fits.Write(im)
}
