package interactive

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const barWidth = 30

// Progress draws a single-line download bar. Redraws are rate limited.
type Progress struct {
	out   io.Writer
	label string
	every time.Duration
	last  time.Time
	drawn bool
	now   func() time.Time
}

// NewProgress creates a bar that writes to out.
func NewProgress(out io.Writer, label string) *Progress {
	return &Progress{out: out, label: label, every: 100 * time.Millisecond, now: time.Now}
}

// Update redraws the bar. total may be 0 when the size is unknown.
func (p *Progress) Update(downloaded, total uint64) {
	now := p.now()
	if p.drawn && now.Sub(p.last) < p.every && downloaded != total {
		return
	}
	p.last = now
	p.drawn = true
	_, _ = fmt.Fprint(p.out, "\r"+p.line(downloaded, total))
}

// Done ends the line.
func (p *Progress) Done() {
	if p.drawn {
		_, _ = fmt.Fprintln(p.out)
	}
}

func (p *Progress) line(downloaded, total uint64) string {
	if total == 0 {
		return fmt.Sprintf("%s %s", p.label, humanize.IBytes(downloaded))
	}
	if downloaded > total {
		downloaded = total
	}
	filled := int(downloaded * barWidth / total)
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)
	pct := float64(downloaded) / float64(total) * 100
	return fmt.Sprintf("%s [%s] %5.1f%% %s / %s", p.label, bar, pct,
		humanize.IBytes(downloaded), humanize.IBytes(total))
}
