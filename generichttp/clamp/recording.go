package clamp

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/patchclamp/board"
	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/savefile"
	"github.com/nasa-jpl/patchclamp/server"
	"github.com/nasa-jpl/patchclamp/transport"
)

type recordingRequest struct {
	Prefix string `json:"prefix"`

	// Repeating reconstructs applied values as if every waveform loops
	Repeating bool `json:"repeating"`

	// Scales are keyed by "chip:channel"; channels without one record raw
	// values
	Scales map[string]savefile.Scale `json:"scales"`
}

// RecordingStatus describes the current or last recording
type RecordingStatus struct {
	Active  bool     `json:"active"`
	Paths   []string `json:"paths"`
	Frames  uint64   `json:"frames"`
	Dropped uint64   `json:"dropped"`
}

// settings describes cc for its file header from the board's registers and
// staged waveform
func (h *HTTPBoard) settings(cc chip.ChipChannel) (savefile.Settings, error) {
	regs, err := h.b.ChannelRegisters(cc)
	if err != nil {
		return savefile.Settings{}, err
	}
	holding := float32(float64(regs.Holding())*h.Creator.AppliedStepSize + h.Creator.Offset)
	s := savefile.Settings{
		CompensationEnabled: regs.CompensationEnabled(),
		SamplingRate:        float32(h.b.Config().SampleRate),
		VoltageClamp:        regs.VoltageClamp(),
		Range2x:             regs.Range2x(),
		Waveform:            h.b.Waveform(cc),
	}
	if s.VoltageClamp {
		s.VC.HoldingVoltage = holding
	} else {
		s.CC = savefile.CurrentClampSettings{HoldingCurrent: holding, StepSize: float32(h.Creator.AppliedStepSize)}
	}
	return s, nil
}

// StartRecording records every enabled channel to DataDir until
// StopRecording, and locks the board's configuration meanwhile
func (h *HTTPBoard) StartRecording(prefix string, repeating bool, scales map[chip.ChipChannel]savefile.Scale) ([]string, error) {
	h.recMu.Lock()
	defer h.recMu.Unlock()
	if h.rec != nil {
		return nil, errRecording
	}
	list := h.b.EnabledChannels()
	if len(list) == 0 {
		return nil, board.ErrNoChannels
	}
	cfg := savefile.RecorderConfig{
		Dir:          h.DataDir,
		Prefix:       prefix,
		Start:        time.Now(),
		Channels:     list,
		Registers:    h.b.Registers(),
		Settings:     make(map[chip.ChipChannel]savefile.Settings, len(list)),
		Scales:       make(map[chip.ChipChannel]savefile.Scale, len(list)),
		NumADCs:      transport.NumADCs,
		SamplingRate: float32(h.b.Config().SampleRate),
		Repeating:    repeating,
	}
	for _, cc := range list {
		s, err := h.settings(cc)
		if err != nil {
			return nil, err
		}
		cfg.Settings[cc] = s
		sc, ok := scales[cc]
		if !ok {
			sc = savefile.Scale{Clamp: 1, Measured: 1}
		}
		cfg.Scales[cc] = sc
	}
	rec, err := savefile.StartRecorder(cfg)
	if err != nil {
		return nil, err
	}
	h.b.Queue().AddConsumer(rec.Consumer())
	h.rec = rec
	h.Lock.LockFor(fmt.Sprintf("recording %s", prefix))
	return rec.Paths(), nil
}

// StopRecording finishes the recording and unlocks the configuration
func (h *HTTPBoard) StopRecording() (RecordingStatus, error) {
	h.recMu.Lock()
	defer h.recMu.Unlock()
	if h.rec == nil {
		return RecordingStatus{}, errNotRecording
	}
	rec := h.rec
	h.b.Queue().RemoveConsumer(rec.Consumer())
	err := rec.Close()
	h.rec = nil
	h.last = rec.Paths()
	h.Lock.Release()
	return RecordingStatus{Paths: rec.Paths(), Frames: rec.Frames(), Dropped: rec.Dropped()}, err
}

func (h *HTTPBoard) startRecording(w http.ResponseWriter, r *http.Request) {
	var req recordingRequest
	if !decode(w, r, &req, true) {
		return
	}
	if req.Prefix == "" {
		req.Prefix = "clamp"
	}
	if filepath.Base(req.Prefix) != req.Prefix {
		http.Error(w, "prefix must be a plain file name", http.StatusBadRequest)
		return
	}
	scales := make(map[chip.ChipChannel]savefile.Scale, len(req.Scales))
	for k, v := range req.Scales {
		cc, err := chip.ParseChipChannel(k)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		scales[cc] = v
	}
	paths, err := h.StartRecording(req.Prefix, req.Repeating, scales)
	if err != nil {
		fail(w, err)
		return
	}
	server.Respond(w, RecordingStatus{Active: true, Paths: paths})
}

func (h *HTTPBoard) stopRecording(w http.ResponseWriter, r *http.Request) {
	resp, err := h.StopRecording()
	if err != nil {
		fail(w, err)
		return
	}
	server.Respond(w, resp)
}

func (h *HTTPBoard) getRecording(w http.ResponseWriter, r *http.Request) {
	h.recMu.Lock()
	defer h.recMu.Unlock()
	if h.rec == nil {
		server.Respond(w, RecordingStatus{Paths: h.last})
		return
	}
	server.Respond(w, RecordingStatus{
		Active:  true,
		Paths:   h.rec.Paths(),
		Frames:  h.rec.Frames(),
		Dropped: h.rec.Dropped(),
	})
}

func (h *HTTPBoard) getRecordingFile(w http.ResponseWriter, r *http.Request) {
	server.ReplyWithFile(w, r, chi.URLParam(r, "name"), h.DataDir)
}
