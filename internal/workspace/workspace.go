/**
 * Workspace
 *
 * One editing session: the uploaded source page, its annotation list and
 * the loading phase. Uploads run their pipeline in the background and
 * replace the annotation list when they finish; overlapping uploads are
 * not cancelled, the last one to complete wins.
 */

package workspace

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/comic-typesetter/internal/annotation"
	apperrors "github.com/adverant/nexus/comic-typesetter/internal/errors"
	"github.com/adverant/nexus/comic-typesetter/internal/logging"
	"github.com/adverant/nexus/comic-typesetter/internal/render"
)

// Phase of a workspace
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
)

// EventType names a workspace event
type EventType string

const (
	EventUploadStarted  EventType = "upload_started"
	EventUploadFinished EventType = "upload_finished"
	EventUploadFailed   EventType = "upload_failed"
	EventWordUpdated    EventType = "word_updated"
	EventSnapshot       EventType = "snapshot"
)

// Event is published to subscribers on every state change
type Event struct {
	Type     EventType `json:"type"`
	Phase    Phase     `json:"phase"`
	UploadID string    `json:"uploadId,omitempty"`
	Words    int       `json:"words"`
	Index    *int      `json:"index,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Source is the uploaded page as received
type Source struct {
	Filename string
	MimeType string
	Format   string
	Data     []byte
	Image    image.Image
	Width    int
	Height   int
}

// State is a point-in-time view of a workspace
type State struct {
	ID          string                  `json:"id"`
	Phase       Phase                   `json:"phase"`
	Text        string                  `json:"text"`
	Width       int                     `json:"width"`
	Height      int                     `json:"height"`
	HasImage    bool                    `json:"hasImage"`
	Annotations []annotation.Annotation `json:"annotations"`
}

const subscriberBuffer = 16

// Workspace is one session's page and annotations
type Workspace struct {
	id       string
	pipeline *Pipeline
	exporter *render.Exporter
	words    *annotation.List
	log      *logging.Logger

	mu         sync.Mutex
	source     *Source
	inFlight   int
	done       int
	lastText   string
	subs       map[chan Event]struct{}
	lastActive time.Time

	wg sync.WaitGroup
}

// New creates an idle workspace
func New(id string, pipeline *Pipeline, exporter *render.Exporter, defaults annotation.Defaults, log *logging.Logger) *Workspace {
	if log == nil {
		log = logging.Discard()
	}
	return &Workspace{
		id:         id,
		pipeline:   pipeline,
		exporter:   exporter,
		words:      annotation.NewList(defaults),
		log:        log.With("session", id),
		subs:       make(map[chan Event]struct{}),
		lastActive: time.Now(),
	}
}

// ID returns the workspace identifier
func (w *Workspace) ID() string {
	return w.id
}

func (w *Workspace) touch() {
	w.lastActive = time.Now()
}

func (w *Workspace) phaseLocked() Phase {
	switch {
	case w.inFlight > 0:
		return PhaseLoading
	case w.done > 0:
		return PhaseReady
	default:
		return PhaseIdle
	}
}

// idleSince reports whether the workspace has been unused since cutoff.
// A running upload or an open event subscription keeps it alive.
func (w *Workspace) idleSince(cutoff time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActive.Before(cutoff) && w.inFlight == 0 && len(w.subs) == 0
}

// Phase returns the current phase
func (w *Workspace) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phaseLocked()
}

// Upload stores the page and starts recognition in the background.
// It fails immediately when the OCR engine is not ready or the page cannot
// be decoded within the pixel limit.
func (w *Workspace) Upload(filename string, data []byte) (string, error) {
	uploadID := uuid.New().String()

	if !w.pipeline.Ready() {
		return "", apperrors.NewOCRNotReadyError(uploadID)
	}

	img, format, err := w.pipeline.Decode(uploadID, data)
	if err != nil {
		return "", err
	}
	b := img.Bounds()

	src := &Source{
		Filename: filename,
		MimeType: "image/" + format,
		Format:   format,
		Data:     data,
		Image:    img,
		Width:    b.Dx(),
		Height:   b.Dy(),
	}

	w.mu.Lock()
	w.source = src
	w.inFlight++
	w.touch()
	w.wg.Add(1)
	w.publishLocked(Event{Type: EventUploadStarted, UploadID: uploadID})
	w.mu.Unlock()

	w.log.Info("Upload accepted",
		"upload", uploadID,
		"file", filename,
		"format", format,
		"width", src.Width,
		"height", src.Height)

	go w.process(uploadID, img)

	return uploadID, nil
}

func (w *Workspace) process(uploadID string, img image.Image) {
	var runErr error
	defer func() {
		w.mu.Lock()
		w.inFlight--
		w.done++
		ev := Event{Type: EventUploadFinished, UploadID: uploadID}
		if runErr != nil {
			ev.Type = EventUploadFailed
			ev.Error = runErr.Error()
		}
		w.publishLocked(ev)
		w.mu.Unlock()
		w.wg.Done()
	}()

	result, err := w.pipeline.Run(context.Background(), uploadID, img)
	if err != nil {
		runErr = err
		w.log.Error("Recognition failed", "upload", uploadID, "error", err)
		return
	}

	w.mu.Lock()
	w.words.Replace(result.Words)
	w.lastText = result.Text
	w.mu.Unlock()

	w.log.Info("Annotations replaced", "upload", uploadID, "words", len(result.Words))
}

// UpdateWord edits one field of one annotation
func (w *Workspace) UpdateWord(index int, field annotation.Field, value string) (annotation.Annotation, error) {
	a, err := w.words.UpdateWord(index, field, value)
	if err != nil {
		return annotation.Annotation{}, err
	}

	w.mu.Lock()
	w.touch()
	idx := index
	w.publishLocked(Event{Type: EventWordUpdated, Index: &idx})
	w.mu.Unlock()

	return a, nil
}

// State returns a snapshot of the workspace
func (w *Workspace) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touch()

	st := State{
		ID:          w.id,
		Phase:       w.phaseLocked(),
		Text:        w.lastText,
		Annotations: w.words.Snapshot(),
	}
	if w.source != nil {
		st.HasImage = true
		st.Width = w.source.Width
		st.Height = w.source.Height
	}
	return st
}

// Source returns the current source page, or nil before the first upload
func (w *Workspace) Source() *Source {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.source
}

// Export writes the flattened page with all overlays as PNG
func (w *Workspace) Export(out io.Writer) error {
	w.mu.Lock()
	src := w.source
	anns := w.words.Snapshot()
	w.touch()
	w.mu.Unlock()

	if src == nil {
		return apperrors.NewNoSourceImageError()
	}
	if err := w.exporter.Export(out, src.Image, anns); err != nil {
		return fmt.Errorf("export session %s: %w", w.id, err)
	}
	w.log.Info("Page exported", "overlays", len(anns))
	return nil
}

// Subscribe returns a channel of events and a function to stop receiving them
func (w *Workspace) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.touch()
	w.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.mu.Lock()
			if _, ok := w.subs[ch]; ok {
				delete(w.subs, ch)
				close(ch)
			}
			w.touch()
			w.mu.Unlock()
		})
	}
	return ch, cancel
}

// publishLocked fans out an event; slow subscribers miss events. Caller holds w.mu.
func (w *Workspace) publishLocked(ev Event) {
	ev.Phase = w.phaseLocked()
	ev.Words = w.words.Len()
	for ch := range w.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Wait blocks until every in-flight upload has finished or ctx is done
func (w *Workspace) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops all subscribers
func (w *Workspace) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subs {
		delete(w.subs, ch)
		close(ch)
	}
}
