package wavegen

import (
	"fmt"
	"time"
)

// Settings describes one generator configuration. PkPk and Offset are the
// values at the actuator, before the amplifier gain is divided out.
type Settings struct {
	PkPk      float64
	Period    time.Duration
	SymmetryP float64
	Offset    float64
}

// SetRampTime derives the period and symmetry of a trapezoidal waveform from
// a ramp duration and a rest duration. Ramp and rest phases are symmetric on
// the rising and falling halves, so the period is 2*(ramp+rest) and the
// symmetry is the ramp fraction of one half-period.
func (s *Settings) SetRampTime(ramp, rest time.Duration) {
	s.Period = 2 * (ramp + rest)
	s.SymmetryP = ramp.Seconds() / (s.Period.Seconds() / 2) * 100
}

func (s Settings) Validate() error {
	if s.Period <= 0 {
		return fmt.Errorf("period must be positive, got %s", s.Period)
	}
	if s.SymmetryP < 0 || s.SymmetryP > 100 {
		return fmt.Errorf("symmetry must be within [0, 100], got %f", s.SymmetryP)
	}
	return nil
}

// FileName is the conventional export name for an acquisition made with
// these settings.
func (s Settings) FileName() string {
	return fmt.Sprintf("trap_%.2fs_%.2fv_%.2fp.dat", s.Period.Seconds(), s.PkPk, s.SymmetryP)
}
