package automate

import "encoding/json"

// Command is one action the desktop-automation agent knows how to perform.
// The set is closed: every supported action is enumerated here with its
// typed arguments, and only serialized into the loose wire shape at the
// boundary.
type Command interface {
	CommandName() string
}

type (
	// WavegenIsRunning asks whether the generator output is on.
	WavegenIsRunning struct{}
	// WavegenToggleRunning toggles the generator run state.
	WavegenToggleRunning struct{}
	// WavegenSetTrapezium selects the trapezium waveform shape.
	WavegenSetTrapezium struct{}
	// WavegenSetPeriod sets the waveform period in seconds.
	WavegenSetPeriod struct {
		Period float64 `json:"period"`
	}
	// WavegenSetAmplitude sets the output amplitude in volts, as seen by
	// the generator before any external amplification.
	WavegenSetAmplitude struct {
		Amplitude float64 `json:"amplitude"`
	}
	// WavegenSetOffset sets the DC offset in volts.
	WavegenSetOffset struct {
		Offset float64 `json:"offset"`
	}
	// WavegenSetSymmetry sets the ramp fraction of one half-period, in
	// percent.
	WavegenSetSymmetry struct {
		Symmetry float64 `json:"symmetry"`
	}
	// SaveHistory exports the instrument's history window to a file.
	SaveHistory struct {
		Folder   string `json:"folder"`
		Filename string `json:"filename"`
	}
	// OpenHistory opens the instrument's history viewer.
	OpenHistory struct{}
	// IsWindowOpen reports whether a desktop window with the given title
	// (and optionally class) exists.
	IsWindowOpen struct {
		Title string `json:"title"`
		Class string `json:"class"`
	}
	// GetOpenWindow returns the title of the focused window.
	GetOpenWindow struct{}
	// FocusWindow brings the named window to the foreground.
	FocusWindow struct {
		Title string `json:"title"`
		Class string `json:"class"`
	}
)

func (WavegenIsRunning) CommandName() string     { return "wavegen_is_running" }
func (WavegenToggleRunning) CommandName() string { return "wavegen_toggle_running" }
func (WavegenSetTrapezium) CommandName() string  { return "wavegen_set_trapezium" }
func (WavegenSetPeriod) CommandName() string     { return "wavegen_set_period" }
func (WavegenSetAmplitude) CommandName() string  { return "wavegen_set_amplitude" }
func (WavegenSetOffset) CommandName() string     { return "wavegen_set_offset" }
func (WavegenSetSymmetry) CommandName() string   { return "wavegen_set_symmetry" }
func (SaveHistory) CommandName() string          { return "nanonis_save_history" }
func (OpenHistory) CommandName() string          { return "nanonis_open_history" }
func (IsWindowOpen) CommandName() string         { return "is_window_open" }
func (GetOpenWindow) CommandName() string        { return "get_open_window" }
func (FocusWindow) CommandName() string          { return "focus_window" }

var (
	_ Command = WavegenIsRunning{}
	_ Command = WavegenToggleRunning{}
	_ Command = WavegenSetTrapezium{}
	_ Command = WavegenSetPeriod{}
	_ Command = WavegenSetAmplitude{}
	_ Command = WavegenSetOffset{}
	_ Command = WavegenSetSymmetry{}
	_ Command = SaveHistory{}
	_ Command = OpenHistory{}
	_ Command = IsWindowOpen{}
	_ Command = GetOpenWindow{}
	_ Command = FocusWindow{}
)

// Marshal flattens a command into the agent's expected payload: an object
// with a "command" field naming the action plus one field per argument.
func Marshal(c Command) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	fields["command"] = c.CommandName()
	return json.Marshal(fields)
}
