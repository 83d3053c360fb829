/*Package clamp exposes a patch-clamp board over HTTP.

Configuration routes take JSON bodies naming channels as
{"chip": 0, "channel": 1}.  While a recording is running the board's
configuration is locked; reads, run control and the recording routes stay
available.
*/
package clamp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/patchclamp/board"
	"github.com/nasa-jpl/patchclamp/chip"
	"github.com/nasa-jpl/patchclamp/generichttp"
	"github.com/nasa-jpl/patchclamp/savefile"
	"github.com/nasa-jpl/patchclamp/server"
	"github.com/nasa-jpl/patchclamp/server/middleware/locker"
	"github.com/nasa-jpl/patchclamp/waveform"
)

// HTTPBoard holds a board and the route table that drives it
type HTTPBoard struct {
	b *board.Board

	// Creator builds stimuli for the board's sample rate and DAC scaling
	Creator waveform.Creator

	// DataDir is where recordings are written and served from
	DataDir string

	// Lock freezes configuration during recordings
	Lock *locker.Locker

	RouteTable server.RouteTable

	recMu sync.Mutex
	rec   *savefile.Recorder
	last  []string
}

// NewHTTPBoard binds the board's operations to routes
func NewHTTPBoard(b *board.Board, creator waveform.Creator, dataDir string) *HTTPBoard {
	h := &HTTPBoard{b: b, Creator: creator, DataDir: dataDir, Lock: locker.New()}
	h.Lock.DoNotProtect = append(h.Lock.DoNotProtect, "recording", "run", "stop", "flush")
	rt := server.RouteTable{}
	rt[server.MethodPath{Method: http.MethodGet, Path: "/channels"}] = h.getChannels
	rt[server.MethodPath{Method: http.MethodPost, Path: "/channels"}] = h.enableChannels
	rt[server.MethodPath{Method: http.MethodGet, Path: "/channels/loop-order"}] = generichttp.GetString(func() (string, error) {
		return b.LoopOrder().String(), nil
	})
	rt[server.MethodPath{Method: http.MethodPost, Path: "/channels/loop-order"}] = h.setLoopOrder
	rt[server.MethodPath{Method: http.MethodGet, Path: "/channels/repetition"}] = generichttp.GetInt(func() (int, error) {
		return b.ChannelRepetition(), nil
	})
	rt[server.MethodPath{Method: http.MethodPost, Path: "/channels/repetition"}] = generichttp.SetInt(b.SetChannelRepetition, Status)

	rt[server.MethodPath{Method: http.MethodGet, Path: "/registers"}] = h.getRegisters
	rt[server.MethodPath{Method: http.MethodPost, Path: "/channel"}] = h.configureChannel
	rt[server.MethodPath{Method: http.MethodPost, Path: "/chip/power"}] = h.powerChip

	rt[server.MethodPath{Method: http.MethodPost, Path: "/stimulus"}] = h.setStimulus
	rt[server.MethodPath{Method: http.MethodPost, Path: "/stimulus/csv"}] = h.setStimulusCSV
	rt[server.MethodPath{Method: http.MethodGet, Path: "/stimulus/{chip}/{channel}"}] = h.getStimulus
	rt[server.MethodPath{Method: http.MethodPost, Path: "/upload"}] = h.upload
	rt[server.MethodPath{Method: http.MethodGet, Path: "/uploaded/{chip}/{channel}"}] = h.getUploaded

	rt[server.MethodPath{Method: http.MethodPost, Path: "/run"}] = h.run
	rt[server.MethodPath{Method: http.MethodPost, Path: "/stop"}] = generichttp.Call(b.Stop, Status)
	rt[server.MethodPath{Method: http.MethodPost, Path: "/flush"}] = generichttp.Call(b.Flush, Status)
	rt[server.MethodPath{Method: http.MethodGet, Path: "/state"}] = h.getState
	rt[server.MethodPath{Method: http.MethodGet, Path: "/stats"}] = h.getStats
	rt[server.MethodPath{Method: http.MethodGet, Path: "/fifo/words"}] = generichttp.GetInt(func() (int, error) {
		return b.NumWordsInFIFO(), nil
	})
	rt[server.MethodPath{Method: http.MethodGet, Path: "/fifo/percentage-full"}] = generichttp.GetFloat(func() (float64, error) {
		return b.FIFOPercentageFull(), nil
	})
	rt[server.MethodPath{Method: http.MethodGet, Path: "/running"}] = generichttp.GetBool(func() (bool, error) {
		s, _ := b.State()
		return s == board.Running, nil
	})

	rt[server.MethodPath{Method: http.MethodPost, Path: "/dac"}] = h.configureDac
	rt[server.MethodPath{Method: http.MethodGet, Path: "/dac/{index}"}] = h.getDac
	rt[server.MethodPath{Method: http.MethodDelete, Path: "/dac/{index}"}] = h.releaseDac
	rt[server.MethodPath{Method: http.MethodPost, Path: "/marker"}] = h.setMarker
	rt[server.MethodPath{Method: http.MethodGet, Path: "/marker/{index}"}] = h.getMarker
	rt[server.MethodPath{Method: http.MethodDelete, Path: "/marker/{index}"}] = h.releaseMarker
	rt[server.MethodPath{Method: http.MethodPost, Path: "/marker/enable"}] = h.enableMarker

	rt[server.MethodPath{Method: http.MethodGet, Path: "/recording"}] = h.getRecording
	rt[server.MethodPath{Method: http.MethodPost, Path: "/recording/start"}] = h.startRecording
	rt[server.MethodPath{Method: http.MethodPost, Path: "/recording/stop"}] = h.stopRecording
	rt[server.MethodPath{Method: http.MethodGet, Path: "/recording/files/{name}"}] = h.getRecordingFile
	h.RouteTable = rt
	locker.Inject(h, h.Lock)
	return h
}

// RT satisfies server.HTTPer
func (h *HTTPBoard) RT() server.RouteTable {
	return h.RouteTable
}

// Router returns a chi router serving every route behind the lock
func (h *HTTPBoard) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.Lock.Check)
	h.RouteTable.Bind(r)
	return r
}

var (
	errRecording    = errors.New("a recording is in progress")
	errNotRecording = errors.New("no recording in progress")
)

// Status maps board errors to HTTP status codes: contract violations are
// 400, conflicts with the board's state are 409, everything else is 500
func Status(err error) int {
	var inUse *board.InUseError
	switch {
	case errors.As(err, &inUse),
		errors.Is(err, board.ErrRunning),
		errors.Is(err, board.ErrNotRunning),
		errors.Is(err, board.ErrNotUploaded),
		errors.Is(err, board.ErrNotConfigured),
		errors.Is(err, errRecording),
		errors.Is(err, errNotRecording):
		return http.StatusConflict
	case errors.Is(err, board.ErrInvalidChannel),
		errors.Is(err, board.ErrDuplicateChannel),
		errors.Is(err, board.ErrNoChannels),
		errors.Is(err, board.ErrLoopTooLong),
		errors.Is(err, board.ErrInvalidRepetition),
		errors.Is(err, board.ErrTooManyCommands),
		errors.Is(err, board.ErrValueOutOfRange),
		errors.Is(err, board.ErrInvalidDAC),
		errors.Is(err, board.ErrInvalidMarker),
		errors.Is(err, board.ErrNoDestination),
		errors.Is(err, chip.ErrEmptyList),
		errors.Is(err, waveform.ErrEmpty),
		errors.Is(err, waveform.ErrZeroLengthSegment),
		errors.Is(err, waveform.ErrZeroStepSize):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), Status(err))
}

// decode reads a JSON body into v, replying 400 on failure.  An empty body
// leaves v untouched when allowEmpty.
func decode(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) bool {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF && allowEmpty {
		return true
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func urlChannel(r *http.Request) (chip.ChipChannel, error) {
	c, err := strconv.Atoi(chi.URLParam(r, "chip"))
	if err != nil {
		return chip.ChipChannel{}, err
	}
	ch, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		return chip.ChipChannel{}, err
	}
	return chip.ChipChannel{Chip: c, Channel: ch}, nil
}

func urlIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return i, true
}

type channelsRequest struct {
	Channels   chip.List `json:"channels"`
	AllowMulti bool      `json:"allowMulti"`
}

type channelsResponse struct {
	Enabled    chip.List `json:"enabled"`
	LoopOrder  chip.List `json:"loopOrder"`
	Repetition int       `json:"repetition"`
}

func (h *HTTPBoard) getChannels(w http.ResponseWriter, r *http.Request) {
	server.Respond(w, channelsResponse{
		Enabled:    h.b.EnabledChannels(),
		LoopOrder:  h.b.LoopOrder(),
		Repetition: h.b.ChannelRepetition(),
	})
}

func (h *HTTPBoard) enableChannels(w http.ResponseWriter, r *http.Request) {
	var req channelsRequest
	if !decode(w, r, &req, false) {
		return
	}
	if err := h.b.EnableChannels(req.Channels, req.AllowMulti); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPBoard) setLoopOrder(w http.ResponseWriter, r *http.Request) {
	var req channelsRequest
	if !decode(w, r, &req, false) {
		return
	}
	if err := h.b.SetChannelLoopOrder(req.Channels); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPBoard) getRegisters(w http.ResponseWriter, r *http.Request) {
	server.Respond(w, h.b.Registers())
}

// channelConfig changes the fields that are present and leaves the rest
type channelConfig struct {
	chip.ChipChannel
	VoltageClamp        *bool `json:"voltageClamp"`
	Range2x             *bool `json:"range2x"`
	CompensationEnabled *bool `json:"compensationEnabled"`
	FilterSelect        *int  `json:"filterSelect"`
	Holding             *int  `json:"holding"`
	StepSelect          *int  `json:"stepSelect"`
	FeedbackSelect      *int  `json:"feedbackSelect"`
}

func (c channelConfig) apply(regs *chip.ChannelRegisters) {
	if c.VoltageClamp != nil {
		regs.SetVoltageClamp(*c.VoltageClamp)
	}
	if c.Range2x != nil {
		regs.SetRange2x(*c.Range2x)
	}
	if c.CompensationEnabled != nil {
		regs.SetCompensationEnabled(*c.CompensationEnabled)
	}
	if c.FilterSelect != nil {
		regs.SetFilterSelect(*c.FilterSelect)
	}
	if c.Holding != nil {
		regs.SetHolding(*c.Holding)
	}
	if c.StepSelect != nil {
		regs.SetStepSelect(*c.StepSelect)
	}
	if c.FeedbackSelect != nil {
		regs.SetFeedbackSelect(*c.FeedbackSelect)
	}
}

func (h *HTTPBoard) configureChannel(w http.ResponseWriter, r *http.Request) {
	var req channelConfig
	if !decode(w, r, &req, false) {
		return
	}
	if err := h.b.ConfigureChannel(req.ChipChannel, req.apply); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPBoard) powerChip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Chip int  `json:"chip"`
		On   bool `json:"bool"`
	}
	if !decode(w, r, &req, false) {
		return
	}
	if err := h.b.PowerChip(req.Chip, req.On); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type stimulusRequest struct {
	// Channels defaults to the enabled channels
	Channels chip.List       `json:"channels"`
	Params   waveform.Params `json:"params"`
}

type stimulusResponse struct {
	Channels  chip.List                    `json:"channels"`
	Timesteps uint64                       `json:"timesteps"`
	Waveform  *waveform.SimplifiedWaveform `json:"waveform"`
}

// stage compiles w onto every channel of list, or the enabled channels if
// list is empty
func (h *HTTPBoard) stage(w http.ResponseWriter, list chip.List, wf *waveform.SimplifiedWaveform) {
	if len(list) == 0 {
		list = h.b.EnabledChannels()
	}
	if len(list) == 0 {
		fail(w, board.ErrNoChannels)
		return
	}
	if err := wf.Validate(); err != nil {
		fail(w, err)
		return
	}
	for _, cc := range list.Unique() {
		if err := h.b.ConfigureCommands(cc, wf); err != nil {
			fail(w, err)
			return
		}
	}
	server.Respond(w, stimulusResponse{Channels: list.Unique(), Timesteps: wf.TotalDuration(), Waveform: wf})
}

func (h *HTTPBoard) setStimulus(w http.ResponseWriter, r *http.Request) {
	var req stimulusRequest
	if !decode(w, r, &req, false) {
		return
	}
	h.stage(w, req.Channels, h.Creator.Create(req.Params))
}

// setStimulusCSV takes one discrete or physical sample per line; the
// channels are given by the query parameter channels=0:1,0:2
func (h *HTTPBoard) setStimulusCSV(w http.ResponseWriter, r *http.Request) {
	var list chip.List
	if s := r.URL.Query().Get("channels"); s != "" {
		var err error
		list, err = chip.ParseList(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	defer r.Body.Close()
	wf, err := h.Creator.LoadCSV(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.stage(w, list, wf)
}

func (h *HTTPBoard) getStimulus(w http.ResponseWriter, r *http.Request) {
	cc, err := urlChannel(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	wf := h.b.Waveform(cc)
	if wf == nil {
		http.Error(w, board.ErrNotConfigured.Error(), http.StatusNotFound)
		return
	}
	server.Respond(w, wf)
}

func (h *HTTPBoard) getUploaded(w http.ResponseWriter, r *http.Request) {
	cc, err := urlChannel(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	server.Respond(w, server.BoolT{Bool: h.b.Uploaded(cc)})
}

// upload sends every staged region, or only those of the channels or chip
// named in the body
func (h *HTTPBoard) upload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channels chip.List `json:"channels"`
		Chip     *int      `json:"chip"`
	}
	if !decode(w, r, &req, true) {
		return
	}
	var err error
	switch {
	case len(req.Channels) > 0:
		err = h.b.CommandsToFPGAChannels(req.Channels)
	case req.Chip != nil:
		err = h.b.CommandsToFPGAPort(*req.Chip)
	default:
		err = h.b.CommandsToFPGA()
	}
	if err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type runRequest struct {
	// Mode is continuous, fixed, or cycle
	Mode string `json:"mode"`

	// Timesteps is the length of a fixed run, or the extra timesteps of a
	// cycle
	Timesteps uint64 `json:"timesteps"`

	// Chip is the chip whose longest waveform sets the length of a cycle
	Chip int `json:"chip"`
}

func (h *HTTPBoard) run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decode(w, r, &req, false) {
		return
	}
	var err error
	switch req.Mode {
	case "continuous", "":
		err = h.b.RunContinuously()
	case "fixed":
		err = h.b.RunFixed(req.Timesteps)
	case "cycle":
		err = h.b.RunOneCycle(req.Chip, req.Timesteps)
	default:
		http.Error(w, "mode must be continuous, fixed, or cycle", http.StatusBadRequest)
		return
	}
	if err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type stateResponse struct {
	State string `json:"state"`
	Mode  string `json:"mode"`
}

func (h *HTTPBoard) getState(w http.ResponseWriter, r *http.Request) {
	s, m := h.b.State()
	server.Respond(w, stateResponse{State: s.String(), Mode: m.String()})
}

type statsResponse struct {
	stateResponse
	WordsInFIFO    int     `json:"wordsInFIFO"`
	PercentageFull float64 `json:"percentageFull"`
	LatencyMs      float64 `json:"latencyMs"`
	TimestepsRead  uint64  `json:"timestepsRead"`
}

func (h *HTTPBoard) getStats(w http.ResponseWriter, r *http.Request) {
	st := h.b.Stats()
	server.Respond(w, statsResponse{
		stateResponse:  stateResponse{State: st.State.String(), Mode: st.Mode.String()},
		WordsInFIFO:    st.WordsInFIFO,
		PercentageFull: st.PercentageFull,
		LatencyMs:      st.Latency.Seconds() * 1e3,
		TimestepsRead:  st.TimestepsRead,
	})
}

type dacRequest struct {
	Index int `json:"index"`
	chip.ChipChannel

	// Kind is clamp or signal
	Kind string `json:"kind"`
}

func parseKind(s string) (board.Kind, error) {
	switch s {
	case "clamp", "":
		return board.Clamp, nil
	case "signal":
		return board.Signal, nil
	}
	return 0, errors.New("kind must be clamp or signal")
}

func (h *HTTPBoard) configureDac(w http.ResponseWriter, r *http.Request) {
	var req dacRequest
	if !decode(w, r, &req, false) {
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.b.ConfigureDac(req.Index, board.Binding{ChipChannel: req.ChipChannel, Kind: kind}); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type bindingResponse struct {
	InUse bool              `json:"inUse"`
	Owner *chip.ChipChannel `json:"owner,omitempty"`
	Kind  string            `json:"kind,omitempty"`
}

func (h *HTTPBoard) getDac(w http.ResponseWriter, r *http.Request) {
	i, ok := urlIndex(w, r)
	if !ok {
		return
	}
	bind, inUse := h.b.IsDacInUse(i)
	resp := bindingResponse{InUse: inUse}
	if inUse {
		resp.Owner = &bind.ChipChannel
		resp.Kind = bind.Kind.String()
	}
	server.Respond(w, resp)
}

func (h *HTTPBoard) releaseDac(w http.ResponseWriter, r *http.Request) {
	i, ok := urlIndex(w, r)
	if !ok {
		return
	}
	if err := h.b.ReleaseDac(i); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type markerRequest struct {
	Index int `json:"index"`
	chip.ChipChannel
}

type markerResponse struct {
	bindingResponse
	Enabled bool `json:"enabled"`
}

func (h *HTTPBoard) setMarker(w http.ResponseWriter, r *http.Request) {
	var req markerRequest
	if !decode(w, r, &req, false) {
		return
	}
	if err := h.b.SetDigitalMarkerDestination(req.Index, req.ChipChannel); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPBoard) getMarker(w http.ResponseWriter, r *http.Request) {
	i, ok := urlIndex(w, r)
	if !ok {
		return
	}
	cc, inUse := h.b.MarkerDestination(i)
	resp := markerResponse{bindingResponse: bindingResponse{InUse: inUse}, Enabled: h.b.MarkerEnabled(i)}
	if inUse {
		resp.Owner = &cc
	}
	server.Respond(w, resp)
}

func (h *HTTPBoard) releaseMarker(w http.ResponseWriter, r *http.Request) {
	i, ok := urlIndex(w, r)
	if !ok {
		return
	}
	if err := h.b.ReleaseDigitalMarker(i); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPBoard) enableMarker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int  `json:"index"`
		On    bool `json:"bool"`
	}
	if !decode(w, r, &req, false) {
		return
	}
	if err := h.b.EnableDigitalMarker(req.Index, req.On); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
