package daq

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jt05610/wavedaq/wavegen"
)

const (
	SamplePeriodKey = "Sample Period (ms)"
	dataMarker      = "[DATA]"
)

// DefaultChannels are the instrument channels recorded in the actuator
// experiment.
var DefaultChannels = []string{
	"Capacitive Probe (m)",
	"Current (A)",
	"Voltage Monitor (V)",
}

// Acquisition is one parsed instrument export, or several overlapping
// exports folded into a continuous record. All channel arrays have equal
// length and share one sample period.
type Acquisition struct {
	Channels       []string
	Signals        map[string][]float64
	Attributes     map[string]string
	SamplePeriodMS float64
	Settings       wavegen.Settings
}

// Len is the number of samples per channel.
func (a *Acquisition) Len() int {
	if len(a.Channels) == 0 {
		return 0
	}
	return len(a.Signals[a.Channels[0]])
}

// Duration is the time spanned by the recorded samples.
func (a *Acquisition) Duration() time.Duration {
	return time.Duration(float64(a.Len()) * a.SamplePeriodMS * float64(time.Millisecond))
}

// StitchError reports an overlap search that could not be resolved to a
// single index. The candidate sets are kept for diagnosis; guessing between
// them would risk returning misaligned experimental data.
type StitchError struct {
	Candidates map[string][]int
}

func (e *StitchError) Error() string {
	return fmt.Sprintf("ambiguous window overlap, candidate indices per channel: %v", e.Candidates)
}

// matchIndices returns every index in sig whose value exactly equals v.
func matchIndices(sig []float64, v float64) []int {
	var out []int
	for i, f := range sig {
		if f == v {
			out = append(out, i)
		}
	}
	return out
}

func intersect(a, b []int) []int {
	var out []int
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
				break
			}
		}
	}
	return out
}

// overlapIndex locates the unique index in b at which a's final sample
// reappears simultaneously on every channel. Candidate sets are intersected
// smallest-first so that a single well-behaved channel can resolve ties left
// by flat segments on the others.
func (a *Acquisition) overlapIndex(b *Acquisition) (int, error) {
	candidates := make(map[string][]int, len(a.Channels))
	order := make([]string, len(a.Channels))
	copy(order, a.Channels)
	for _, ch := range a.Channels {
		sig := a.Signals[ch]
		candidates[ch] = matchIndices(b.Signals[ch], sig[len(sig)-1])
	}
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			if len(candidates[order[j]]) < len(candidates[order[i]]) {
				order[i], order[j] = order[j], order[i]
			}
		}
	}
	set := candidates[order[0]]
	for _, ch := range order[1:] {
		if len(set) == 1 {
			return set[0], nil
		}
		set = intersect(set, candidates[ch])
	}
	if len(set) != 1 {
		return 0, &StitchError{Candidates: candidates}
	}
	return set[0], nil
}

// Combine folds a newer overlapping export into this one. The exports must
// come from the same run: identical channels, sample period, and generator
// settings. The overlap point is the unique index at which the tail of this
// export reappears in the newer one; samples strictly after it are appended.
func (a *Acquisition) Combine(b *Acquisition) error {
	if len(a.Channels) != len(b.Channels) {
		return fmt.Errorf("channel mismatch: %v vs %v", a.Channels, b.Channels)
	}
	for i, ch := range a.Channels {
		if b.Channels[i] != ch {
			return fmt.Errorf("channel mismatch: %v vs %v", a.Channels, b.Channels)
		}
	}
	if a.SamplePeriodMS != b.SamplePeriodMS {
		return fmt.Errorf("sample period mismatch: %f vs %f", a.SamplePeriodMS, b.SamplePeriodMS)
	}
	if a.Settings != b.Settings {
		return fmt.Errorf("generator settings mismatch: %+v vs %+v", a.Settings, b.Settings)
	}
	if a.Len() == 0 || b.Len() == 0 {
		return fmt.Errorf("cannot combine empty acquisitions")
	}
	idx, err := a.overlapIndex(b)
	if err != nil {
		return err
	}
	for _, ch := range a.Channels {
		a.Signals[ch] = append(a.Signals[ch], b.Signals[ch][idx+1:]...)
	}
	return nil
}

// Trim discards all but the most recent d worth of samples. Windows never
// align exactly with the requested duration, so the excess always sits at
// the front.
func (a *Acquisition) Trim(d time.Duration) {
	keep := int(math.Round(d.Seconds() * 1000 / a.SamplePeriodMS))
	n := a.Len()
	if keep >= n {
		return
	}
	for _, ch := range a.Channels {
		a.Signals[ch] = a.Signals[ch][n-keep:]
	}
}

// Read parses one instrument export: Key<TAB>Value header lines up to a
// [DATA] marker, then a tab-separated table whose header row names the
// channels. Only the requested channels are extracted.
func Read(path string, channels []string) (*Acquisition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return read(f, channels)
}

func read(r io.Reader, channels []string) (*Acquisition, error) {
	br := bufio.NewReader(r)
	attrs := make(map[string]string)
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF && !strings.HasPrefix(line, dataMarker) {
			return nil, fmt.Errorf("export has no %s marker", dataMarker)
		}
		if err != nil && err != io.EOF {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, dataMarker) {
			break
		}
		if key, value, found := strings.Cut(line, "\t"); found {
			attrs[key] = strings.TrimSpace(strings.TrimSuffix(value, "\t"))
		}
	}
	sp, ok := attrs[SamplePeriodKey]
	if !ok {
		return nil, fmt.Errorf("export header has no %q attribute", SamplePeriodKey)
	}
	samplePeriod, err := strconv.ParseFloat(sp, 64)
	if err != nil {
		return nil, fmt.Errorf("parse sample period %q: %w", sp, err)
	}

	cr := csv.NewReader(br)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read data header: %w", err)
	}
	indices := make(map[string]int, len(channels))
	for _, ch := range channels {
		found := false
		for i, name := range header {
			if name == ch {
				indices[ch] = i
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("export has no %q column, found %v", ch, header)
		}
	}
	a := &Acquisition{
		Channels:       append([]string(nil), channels...),
		Signals:        make(map[string][]float64, len(channels)),
		Attributes:     attrs,
		SamplePeriodMS: samplePeriod,
	}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for ch, i := range indices {
			if i >= len(record) {
				return nil, fmt.Errorf("short record %v", record)
			}
			v, err := strconv.ParseFloat(record[i], 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s value %q: %w", ch, record[i], err)
			}
			a.Signals[ch] = append(a.Signals[ch], v)
		}
	}
	return a, nil
}

// WriteTo re-exports the acquisition with the experiment metadata replicated
// in the header block.
func (a *Acquisition) WriteTo(w io.Writer) error {
	bw := bufio.NewWriter(w)
	write := func(format string, args ...interface{}) {
		_, _ = fmt.Fprintf(bw, format, args...)
	}
	write("Experiment\tHistory Data\t\n")
	write("Date\t%s\t\n", time.Now().Format("02.01.2006 15:04:05"))
	write("%s\t%d\t\n", SamplePeriodKey, int(a.SamplePeriodMS))
	write("pkpk\t%v\t\n", a.Settings.PkPk)
	write("offset\t%v\t\n", a.Settings.Offset)
	write("symmetry_p\t%v\t\n", a.Settings.SymmetryP)
	write("period_s\t%v\t\n", a.Settings.Period.Seconds())
	write("\n")
	write("%s\n", dataMarker)
	write("%s\n", strings.Join(a.Channels, "\t"))
	for i := 0; i < a.Len(); i++ {
		for j, ch := range a.Channels {
			if j > 0 {
				_ = bw.WriteByte('\t')
			}
			write("%v", a.Signals[ch][i])
		}
		_ = bw.WriteByte('\n')
	}
	return bw.Flush()
}
