package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jt05610/wavedaq/automate"
	"github.com/jt05610/wavedaq/relay"
	"github.com/jt05610/wavedaq/wavegen"
)

// fakeAgent emulates the desktop-automation agent and the instrument behind
// it: it polls the relay over real HTTP, executes commands against a
// synthetic continuously-sampled signal, and posts results back.
type fakeAgent struct {
	t   *testing.T
	url string

	mu        sync.Mutex
	focused   string
	running   bool
	startedAt time.Time
	counts    map[string]int

	windowCap int // samples retained by the instrument's history buffer
	stop      chan struct{}
	done      chan struct{}
}

func newFakeAgent(t *testing.T, url string) *fakeAgent {
	a := &fakeAgent{
		t:         t,
		url:       url,
		focused:   "WaveForms (new workspace)",
		counts:    make(map[string]int),
		windowCap: 300,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go a.poll()
	t.Cleanup(func() {
		close(a.stop)
		<-a.done
	})
	return a
}

func (a *fakeAgent) count(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[name]
}

// sample i of the synthetic signal, one sample per millisecond. Values are
// strictly increasing on every channel so window overlaps are unambiguous.
func sample(i int) (probe, current, voltage float64) {
	return float64(i) * 1e-6, float64(i) * 1e-3, float64(i) * 0.5
}

func (a *fakeAgent) export(folder, filename string) {
	a.mu.Lock()
	elapsed := 0
	if a.running {
		elapsed = int(time.Since(a.startedAt).Milliseconds())
	}
	a.mu.Unlock()
	first := elapsed - a.windowCap
	if first < 0 {
		first = 0
	}
	var buf bytes.Buffer
	buf.WriteString("Experiment\tHistory Data\t\n")
	buf.WriteString("Sample Period (ms)\t1\t\n\n[DATA]\n")
	buf.WriteString("Capacitive Probe (m)\tCurrent (A)\tVoltage Monitor (V)\n")
	for i := first; i < elapsed; i++ {
		p, c, v := sample(i)
		fmt.Fprintf(&buf, "%v\t%v\t%v\n", p, c, v)
	}
	if err := os.WriteFile(filepath.Join(folder, filename), buf.Bytes(), 0o644); err != nil {
		a.t.Error(err)
	}
}

func (a *fakeAgent) handle(cmd map[string]interface{}) string {
	name, _ := cmd["command"].(string)
	a.mu.Lock()
	a.counts[name]++
	a.mu.Unlock()
	switch name {
	case "is_window_open":
		return `{"Ok":True}`
	case "get_open_window":
		a.mu.Lock()
		defer a.mu.Unlock()
		return fmt.Sprintf(`{"Ok":"%s"}`, a.focused)
	case "focus_window":
		a.mu.Lock()
		a.focused, _ = cmd["title"].(string)
		a.mu.Unlock()
		return `{"Ok":null}`
	case "wavegen_is_running":
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.running {
			return `{"Ok":True}`
		}
		return `{"Ok":False}`
	case "wavegen_toggle_running":
		a.mu.Lock()
		a.running = !a.running
		if a.running {
			a.startedAt = time.Now()
		}
		a.mu.Unlock()
		return `{"Ok":null}`
	case "wavegen_set_trapezium", "wavegen_set_period", "wavegen_set_amplitude",
		"wavegen_set_offset", "wavegen_set_symmetry":
		return `{"Ok":null}`
	case "nanonis_save_history":
		folder, _ := cmd["folder"].(string)
		filename, _ := cmd["filename"].(string)
		a.export(folder, filename)
		return `{"Ok":null}`
	}
	return fmt.Sprintf(`{"Err":"unknown command %s"}`, name)
}

func (a *fakeAgent) poll() {
	defer close(a.done)
	for {
		select {
		case <-a.stop:
			return
		case <-time.After(2 * time.Millisecond):
		}
		resp, err := http.Get(a.url)
		if err != nil {
			a.t.Error(err)
			return
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if len(body) == 0 {
			continue
		}
		var cmd map[string]interface{}
		if err := json.Unmarshal(body, &cmd); err != nil {
			a.t.Errorf("bad command %q: %v", body, err)
			return
		}
		result := a.handle(cmd)
		post, err := http.Post(a.url, "text/plain", strings.NewReader(result))
		if err != nil {
			a.t.Error(err)
			return
		}
		_ = post.Body.Close()
	}
}

func newTestDriver(t *testing.T, cfg Config) (*Driver, *fakeAgent) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatal(err)
	}
	ch := relay.NewChannel()
	srv := httptest.NewServer(relay.NewServer(ch, logger).Handler())
	t.Cleanup(srv.Close)
	agent := newFakeAgent(t, srv.URL)
	client := automate.NewClient(ch, logger)
	d, err := New(context.Background(), client, cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	return d, agent
}

func TestApplySettingsIdempotent(t *testing.T) {
	d, agent := newTestDriver(t, Config{ExportDir: t.TempDir()})
	ctx := context.Background()
	s := wavegen.Settings{PkPk: 400, Period: 12 * time.Second, SymmetryP: 100}

	if err := d.ApplySettings(ctx, s); err != nil {
		t.Fatal(err)
	}
	if err := d.ApplySettings(ctx, s); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"wavegen_set_amplitude",
		"wavegen_set_period",
		"wavegen_set_offset",
		"wavegen_set_symmetry",
	} {
		if n := agent.count(name); n != 1 {
			t.Errorf("%s issued %d times, expected once", name, n)
		}
	}

	// a changed period re-issues only the period command
	s.Period = 24 * time.Second
	if err := d.ApplySettings(ctx, s); err != nil {
		t.Fatal(err)
	}
	if n := agent.count("wavegen_set_period"); n != 2 {
		t.Errorf("wavegen_set_period issued %d times, expected twice", n)
	}
	if n := agent.count("wavegen_set_amplitude"); n != 1 {
		t.Errorf("wavegen_set_amplitude issued %d times, expected once", n)
	}
}

func TestStartStop(t *testing.T) {
	d, agent := newTestDriver(t, Config{ExportDir: t.TempDir()})
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if n := agent.count("wavegen_toggle_running"); n != 1 {
		t.Errorf("toggle issued %d times after two starts, expected once", n)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if n := agent.count("wavegen_toggle_running"); n != 2 {
		t.Errorf("toggle issued %d times after stop, expected twice", n)
	}
}

func TestAcquireDuration(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-driven acquisition loop")
	}
	dir := t.TempDir()
	d, agent := newTestDriver(t, Config{
		ExportDir:    dir,
		Window:       250 * time.Millisecond,
		WindowBuffer: 50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		FilePoll:     2 * time.Millisecond,
		FileTimeout:  time.Second,
		SettleTime:   time.Millisecond,
	})
	ctx := context.Background()
	s := wavegen.Settings{PkPk: 400, Period: 100 * time.Millisecond, SymmetryP: 100}

	duration := 600 * time.Millisecond
	acq, err := d.AcquireDuration(ctx, s, duration)
	if err != nil {
		t.Fatal(err)
	}

	// the 600ms acquisition against a 250ms window takes three export cycles
	if n := agent.count("nanonis_save_history"); n != 3 {
		t.Errorf("expected 3 export cycles, got %d", n)
	}
	if acq.Len() != 600 {
		t.Errorf("expected 600 samples after trim, got %d", acq.Len())
	}
	if acq.Settings != s {
		t.Errorf("settings not attached: %+v", acq.Settings)
	}

	// stitching must leave a gapless, duplicate-free series
	probe := acq.Signals["Capacitive Probe (m)"]
	for i := 1; i < len(probe); i++ {
		if diff := probe[i] - probe[i-1]; math.Abs(diff-1e-6) > 1e-9 {
			t.Fatalf("discontinuity at sample %d: diff %v", i, diff)
		}
	}

	// staged export files are cleaned up after parsing
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected staged exports to be removed, found %d files", len(entries))
	}
}
