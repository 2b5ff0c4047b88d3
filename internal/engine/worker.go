package engine

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dadap/pigdo/internal/md5sum"
	"github.com/dadap/pigdo/internal/mmapfile"
	"github.com/dadap/pigdo/internal/recipe"
	"github.com/dadap/pigdo/internal/template"
)

// pollInterval mirrors worker.c's usleep(12345) between assignment passes:
// just enough to keep the orchestrator loop from spinning the CPU.
const pollInterval = 12345 * time.Microsecond

// worker is one pool slot's persistent state: the channel its current
// fetch-and-verify goroutine closes on exit, so the orchestrator can join
// it before reassigning the slot, matching pthread_join()'s role in
// worker.c's pfetch() loop.
type worker struct {
	slot *slotState
	done chan struct{}
}

// runWorkerPool assigns parts to a fixed-size pool of fetch goroutines
// until every part is Complete or the run hits a FatalError. LocalCopy parts
// are fetched by the pool like any other, through their file:// URI.
// Grounded in worker.c's pfetch() main loop.
func (o *Orchestrator) runWorkerPool(ctx context.Context) error {
	workers := make([]*worker, o.workers)
	for i := range workers {
		workers[i] = &worker{slot: &slotState{}}
	}

	defer o.publishSlots(workers)

	lastLogged := -1

	for {
		remain, err := o.parts.Remaining()
		if err != nil {
			o.joinAll(workers)
			return err
		}
		if !remain {
			break
		}

		for _, w := range workers {
			status := template.NotStarted
			if w.slot.part != nil {
				status = o.parts.GetStatus(w.slot.part)
			}

			idle := w.slot.part == nil || status == template.Complete ||
				status == template.Error || status == template.FatalError
			if !idle {
				continue
			}

			if w.slot.part != nil {
				<-w.done // join the finished goroutine before reassigning the slot
			}

			next := o.parts.Select()
			if next == nil {
				continue
			}

			done, bytes := o.parts.CountCompleted()
			if done != lastLogged {
				lastLogged = done
				o.log.Infof("%d of %d parts (%d/%d kB) done", done, o.parts.Len(), bytes/1024, o.parts.TotalBytes()/1024)
			}

			w.slot.part = next
			w.slot.uri = ""
			w.done = make(chan struct{})

			go o.fetchWorker(ctx, w)
		}

		o.publishSlots(workers)

		select {
		case <-ctx.Done():
			o.joinAll(workers)
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	o.joinAll(workers)
	return nil
}

// publishSlots refreshes the orchestrator's slot snapshot under its own
// lock so DumpProgress can read a consistent view from the signal handler
// goroutine.
func (o *Orchestrator) publishSlots(workers []*worker) {
	o.slotMu.Lock()
	defer o.slotMu.Unlock()
	for i, w := range workers {
		o.slots[i] = w.slot
	}
}

func (o *Orchestrator) joinAll(workers []*worker) {
	for _, w := range workers {
		if w.slot.part != nil && w.done != nil {
			<-w.done
		}
	}
}

// fetchWorker resolves a URI for w.slot.part, maps the part's output
// window, fetches into it, and verifies its MD5, updating the part table's
// status throughout. Grounded in worker.c's fetch_worker().
func (o *Orchestrator) fetchWorker(ctx context.Context, w *worker) {
	defer close(w.done)

	part := w.slot.part

	matches := o.jigdo.LookupFile(part.MD5)
	if len(matches) == 0 {
		o.parts.SetStatus(part, template.FatalError)
		return
	}

	uris := o.jigdo.MirrorURIs(preferredEntry(matches))
	if len(uris) == 0 {
		o.parts.SetStatus(part, template.FatalError)
		return
	}

	part.Attempts++
	uri := uris[(part.Attempts-1)%len(uris)]
	w.slot.uri = uri
	part.URI = uri

	win, err := mmapfile.Map(int(o.out.Fd()), int64(part.Offset), int64(part.Size), unix.PROT_WRITE)
	if err != nil {
		o.parts.SetStatus(part, template.FatalError)
		return
	}
	defer win.Close()

	o.parts.SetStatus(part, template.InProgress)

	progress := func(n int64) { part.FetchedBytes = n }
	fetched, err := o.fetcher.Fetch(ctx, uri, win.Data, progress)

	if err == nil && fetched == len(win.Data) && md5sum.Equal(md5sum.Mem(win.Data), part.MD5) {
		if serr := win.Sync(false); serr != nil {
			o.parts.SetStatus(part, template.Error)
			o.stats.Error()
			return
		}
		o.parts.SetStatus(part, template.Complete)
		o.stats.Bytes(int64(fetched))
		o.stats.PartDone()
		return
	}

	o.stats.Error()

	if part.Attempts >= MaxAttempts {
		o.parts.SetStatus(part, template.FatalError)
		return
	}

	o.parts.SetStatus(part, template.Error)
}

// preferredEntry picks the duplicate-content FileEntry findLocalCopies
// already matched against a local directory, if any, so a LocalCopy part
// fetches through its file:// path rather than an arbitrary duplicate's
// mirror list; it falls back to the first entry otherwise.
func preferredEntry(matches []recipe.FileEntry) recipe.FileEntry {
	for _, m := range matches {
		if m.LocalMatch >= 0 {
			return m
		}
	}
	return matches[0]
}
