package updater

import (
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/airdb/internal/state"
)

// Progress is persisted after this many new bytes or one more percent,
// whichever comes first.
const persistEveryBytes = 1 << 20

// progressRecorder forwards every chunk to the caller and persists progress
// to the state file on a throttle.
type progressRecorder struct {
	machine  *state.Machine
	callback ProgressFunc

	downloaded, total uint64
	savedBytes        uint64
	savedPercent      float64
	dirty             bool
}

func newProgressRecorder(m *state.Machine, cb ProgressFunc) *progressRecorder {
	return &progressRecorder{machine: m, callback: cb, savedPercent: -1}
}

// seed reports and persists the bytes a resumed download starts from, so
// the status never shows less than what is already on disk.
func (p *progressRecorder) seed(offset, total uint64) {
	if offset == 0 {
		return
	}
	p.record(offset, total)
	p.flush()
}

func (p *progressRecorder) record(downloaded, total uint64) {
	p.downloaded, p.total = downloaded, total
	p.dirty = true
	if p.callback != nil {
		p.callback(downloaded, total)
	}

	pct := state.Percent(downloaded, total)
	if downloaded-min(downloaded, p.savedBytes) >= persistEveryBytes || pct-p.savedPercent >= 1 {
		p.flush()
	}
}

// flush persists the latest progress if it changed.
func (p *progressRecorder) flush() {
	if !p.dirty {
		return
	}
	if _, err := p.machine.UpdateProgress(p.downloaded, p.total); err != nil {
		log.WithError(err).Debug("Could not persist download progress")
		return
	}
	p.savedBytes = p.downloaded
	p.savedPercent = state.Percent(p.downloaded, p.total)
	p.dirty = false
}
