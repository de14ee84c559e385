// Package progress reports binarization progress to operators.
package progress

import (
	"io"
	"sync"

	"svs-binarizer/pkg/models"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

type Reporter interface {
	Report(ev models.ProgressEvent)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Report(models.ProgressEvent) {}

// Multi forwards each event to every reporter in order.
type Multi []Reporter

func (m Multi) Report(ev models.ProgressEvent) {
	for _, r := range m {
		r.Report(ev)
	}
}

// Bars renders one progress bar per split.
type Bars struct {
	p    *mpb.Progress
	bars map[string]*mpb.Bar
	mu   sync.Mutex
}

func NewBars(w io.Writer) *Bars {
	return &Bars{
		p:    mpb.New(mpb.WithOutput(w), mpb.WithWidth(64)),
		bars: make(map[string]*mpb.Bar),
	}
}

func (b *Bars) Report(ev models.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Status {
	case models.StatusStarted:
		b.bars[ev.Split] = b.p.AddBar(int64(ev.Total),
			mpb.PrependDecorators(
				decor.Name("| "+ev.Split+": "),
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(
				decor.Percentage(),
				decor.AverageETA(decor.ET_STYLE_GO),
			),
		)
	case models.StatusProcessed, models.StatusSkipped:
		if bar, ok := b.bars[ev.Split]; ok {
			bar.Increment()
		}
	case models.StatusCompleted:
		if bar, ok := b.bars[ev.Split]; ok {
			bar.SetTotal(-1, true)
			delete(b.bars, ev.Split)
		}
	case models.StatusFailed:
		if bar, ok := b.bars[ev.Split]; ok {
			bar.Abort(false)
			delete(b.bars, ev.Split)
		}
	}
}

// Wait flushes the bars. No events may be reported afterwards.
func (b *Bars) Wait() {
	b.mu.Lock()
	for split, bar := range b.bars {
		bar.Abort(false)
		delete(b.bars, split)
	}
	b.mu.Unlock()
	b.p.Wait()
}
