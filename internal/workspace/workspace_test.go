package workspace

import (
	"bytes"
	"context"
	stderrors "errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adverant/nexus/comic-typesetter/internal/annotation"
	"github.com/adverant/nexus/comic-typesetter/internal/cache"
	apperrors "github.com/adverant/nexus/comic-typesetter/internal/errors"
	"github.com/adverant/nexus/comic-typesetter/internal/fonts"
	"github.com/adverant/nexus/comic-typesetter/internal/logging"
	"github.com/adverant/nexus/comic-typesetter/internal/ocr"
	"github.com/adverant/nexus/comic-typesetter/internal/preprocess"
	"github.com/adverant/nexus/comic-typesetter/internal/render"
)

// call is one pending Recognize; the test answers it through reply
type call struct {
	image []byte
	reply chan reply
}

type reply struct {
	result *ocr.Result
	err    error
}

type fakeRecognizer struct {
	ready bool
	calls chan call
	count atomic.Int32
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{ready: true, calls: make(chan call, 8)}
}

func (f *fakeRecognizer) Ready() bool { return f.ready }

func (f *fakeRecognizer) Recognize(ctx context.Context, img []byte) (*ocr.Result, error) {
	f.count.Add(1)
	c := call{image: img, reply: make(chan reply, 1)}
	f.calls <- c
	r := <-c.reply
	return r.result, r.err
}

func (f *fakeRecognizer) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Recognize")
		return call{}
	}
}

func words(texts ...string) *ocr.Result {
	r := &ocr.Result{}
	for i, s := range texts {
		r.Words = append(r.Words, ocr.Word{
			Text: s,
			BBox: ocr.BoundingBox{X0: 10 * i, Y0: 4, X1: 10*i + 8, Y1: 14},
		})
		r.Text += s + " "
	}
	return r
}

func pagePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func newWorkspace(t *testing.T, rec Recognizer, c cache.RecognitionCache) *Workspace {
	t.Helper()
	p, err := NewPipeline(&PipelineConfig{Recognizer: rec, Cache: c, Language: "eng"})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	reg, err := fonts.NewRegistry("Arial")
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	exp := render.NewExporter(reg, render.DefaultStyle, logging.Discard())
	return New("test", p, exp, annotation.Defaults{}, logging.Discard())
}

func waitEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
			return Event{}
		}
	}
}

func waitAll(t *testing.T, ws *Workspace) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestUploadBuildsAnnotationsPerWord(t *testing.T) {
	rec := newFakeRecognizer()
	ws := newWorkspace(t, rec, nil)

	if ws.Phase() != PhaseIdle {
		t.Fatalf("initial phase = %s, want idle", ws.Phase())
	}

	if _, err := ws.Upload("page.png", pagePNG(t, 20, 10)); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if ws.Phase() != PhaseLoading {
		t.Errorf("phase during recognition = %s, want loading", ws.Phase())
	}

	c := rec.next(t)
	if _, err := png.Decode(bytes.NewReader(c.image)); err != nil {
		t.Fatalf("recognizer got non-PNG input: %v", err)
	}
	c.reply <- reply{result: words("HEY", "YOU")}
	waitAll(t, ws)

	st := ws.State()
	if st.Phase != PhaseReady {
		t.Errorf("phase = %s, want ready", st.Phase)
	}
	if !st.HasImage || st.Width != 20 || st.Height != 10 {
		t.Errorf("image = %v %dx%d, want 20x10", st.HasImage, st.Width, st.Height)
	}
	if len(st.Annotations) != 2 {
		t.Fatalf("annotations = %d, want 2", len(st.Annotations))
	}
	for i, a := range st.Annotations {
		if a.Translated != a.Text {
			t.Errorf("annotation %d translated %q != text %q", i, a.Translated, a.Text)
		}
		if a.FontSize != annotation.DefaultFontSize || a.FontFamily != annotation.DefaultFontFamily {
			t.Errorf("annotation %d defaults = %d %q", i, a.FontSize, a.FontFamily)
		}
	}

	// Boxes come back in source space: x 10..18 at 2x becomes 5..9.
	if got := st.Annotations[1].BBox; got != (ocr.BoundingBox{X0: 5, Y0: 2, X1: 9, Y1: 7}) {
		t.Errorf("bbox = %+v", got)
	}
}

func TestOverlappingUploadsLastCompletionWins(t *testing.T) {
	rec := newFakeRecognizer()
	ws := newWorkspace(t, rec, nil)
	events, stop := ws.Subscribe()
	defer stop()

	if _, err := ws.Upload("a.png", pagePNG(t, 20, 10)); err != nil {
		t.Fatalf("Upload(a) error = %v", err)
	}
	callA := rec.next(t)

	if _, err := ws.Upload("b.png", pagePNG(t, 16, 16)); err != nil {
		t.Fatalf("Upload(b) error = %v", err)
	}
	callB := rec.next(t)

	// B finishes first; A is still running so the phase stays loading.
	callB.reply <- reply{result: words("BEE")}
	ev := waitEvent(t, events, EventUploadFinished)
	if ev.Phase != PhaseLoading {
		t.Errorf("phase after first completion = %s, want loading", ev.Phase)
	}

	callA.reply <- reply{result: words("AY", "AY")}
	ev = waitEvent(t, events, EventUploadFinished)
	if ev.Phase != PhaseReady {
		t.Errorf("phase after last completion = %s, want ready", ev.Phase)
	}

	st := ws.State()
	if len(st.Annotations) != 2 || st.Annotations[0].Text != "AY" {
		t.Errorf("annotations = %+v, want A's words", st.Annotations)
	}
	// The source is the most recent upload even though A's words won.
	if st.Width != 16 {
		t.Errorf("source width = %d, want 16", st.Width)
	}
}

func TestFailedRecognitionKeepsAnnotations(t *testing.T) {
	rec := newFakeRecognizer()
	ws := newWorkspace(t, rec, nil)

	ws.Upload("a.png", pagePNG(t, 20, 10))
	rec.next(t).reply <- reply{result: words("ONE")}
	waitAll(t, ws)

	events, stop := ws.Subscribe()
	defer stop()

	ws.Upload("b.png", pagePNG(t, 20, 10))
	rec.next(t).reply <- reply{err: stderrors.New("tesseract crashed")}
	ev := waitEvent(t, events, EventUploadFailed)
	if ev.Error == "" {
		t.Error("failure event should carry the error")
	}
	waitAll(t, ws)

	st := ws.State()
	if st.Phase == PhaseLoading {
		t.Error("phase must be cleared after a failure")
	}
	if len(st.Annotations) != 1 || st.Annotations[0].Text != "ONE" {
		t.Errorf("annotations = %+v, want previous list", st.Annotations)
	}
}

func TestUploadNotReady(t *testing.T) {
	rec := newFakeRecognizer()
	rec.ready = false
	ws := newWorkspace(t, rec, nil)

	_, err := ws.Upload("page.png", pagePNG(t, 4, 4))
	if !stderrors.Is(err, apperrors.ErrOCRNotReady) {
		t.Fatalf("Upload() error = %v, want ErrOCRNotReady", err)
	}
	if ws.Source() != nil {
		t.Error("source must not be stored when the engine is not ready")
	}
	if ws.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle", ws.Phase())
	}
}

func TestUploadUnsupportedFormat(t *testing.T) {
	ws := newWorkspace(t, newFakeRecognizer(), nil)
	_, err := ws.Upload("notes.txt", []byte("just some text"))
	if !stderrors.Is(err, apperrors.ErrUnsupportedFormat) {
		t.Fatalf("Upload() error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestUploadRejectsOversizedPage(t *testing.T) {
	rec := newFakeRecognizer()
	p, err := NewPipeline(&PipelineConfig{
		Preprocessor: preprocess.New(2).WithMaxPixels(100),
		Recognizer:   rec,
	})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	ws := New("test", p, nil, annotation.Defaults{}, logging.Discard())

	_, err = ws.Upload("huge.png", pagePNG(t, 20, 10))
	if !stderrors.Is(err, apperrors.ErrImageTooLarge) {
		t.Fatalf("Upload() error = %v, want ErrImageTooLarge", err)
	}
	var perr *apperrors.ProcessingError
	if !stderrors.As(err, &perr) || perr.HTTPStatus() != http.StatusRequestEntityTooLarge {
		t.Errorf("Upload() error = %v, want 413 ProcessingError", err)
	}
	if ws.Source() != nil || ws.Phase() != PhaseIdle {
		t.Errorf("rejected page was stored: phase %s", ws.Phase())
	}
	if n := rec.count.Load(); n != 0 {
		t.Errorf("Recognize called %d times for a rejected page", n)
	}
}

func TestUpdateWordAndExport(t *testing.T) {
	rec := newFakeRecognizer()
	ws := newWorkspace(t, rec, nil)

	var buf bytes.Buffer
	if err := ws.Export(&buf); !stderrors.Is(err, apperrors.ErrNoSourceImage) {
		t.Fatalf("Export() before upload error = %v, want ErrNoSourceImage", err)
	}

	ws.Upload("page.png", pagePNG(t, 20, 10))
	rec.next(t).reply <- reply{result: words("HEY")}
	waitAll(t, ws)

	a, err := ws.UpdateWord(0, annotation.FieldTranslated, "HALLO")
	if err != nil {
		t.Fatalf("UpdateWord() error = %v", err)
	}
	if a.Text != "HEY" || a.Translated != "HALLO" {
		t.Errorf("UpdateWord() = %+v", a)
	}
	if _, err := ws.UpdateWord(3, annotation.FieldText, "x"); !stderrors.Is(err, annotation.ErrIndexOutOfRange) {
		t.Errorf("UpdateWord(3) error = %v, want ErrIndexOutOfRange", err)
	}

	if err := ws.Export(&buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	out, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if out.Bounds().Dx() != 20 || out.Bounds().Dy() != 10 {
		t.Errorf("export bounds = %v, want 20x10", out.Bounds())
	}
}

type memoryCache struct {
	entries map[string]*ocr.Result
}

func (m *memoryCache) Get(_ context.Context, key string) (*ocr.Result, bool, error) {
	r, ok := m.entries[key]
	return r, ok, nil
}

func (m *memoryCache) Put(_ context.Context, key string, r *ocr.Result) error {
	m.entries[key] = r
	return nil
}

func (m *memoryCache) Close() error { return nil }

func TestPipelineUsesCache(t *testing.T) {
	rec := newFakeRecognizer()
	mc := &memoryCache{entries: make(map[string]*ocr.Result)}
	p, err := NewPipeline(&PipelineConfig{Recognizer: rec, Cache: mc, Language: "eng"})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}

	img := image.NewGray(image.Rect(0, 0, 24, 12))
	go func() {
		c := <-rec.calls
		c.reply <- reply{result: words("CACHED")}
	}()

	first, err := p.Run(context.Background(), "u1", img)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	second, err := p.Run(context.Background(), "u2", img)
	if err != nil {
		t.Fatalf("Run() second error = %v", err)
	}

	if n := rec.count.Load(); n != 1 {
		t.Errorf("Recognize called %d times, want 1", n)
	}
	if len(mc.entries) != 1 {
		t.Errorf("cache entries = %d, want 1", len(mc.entries))
	}
	if first.Words[0].BBox != second.Words[0].BBox {
		t.Errorf("cached boxes differ: %+v vs %+v", first.Words[0].BBox, second.Words[0].BBox)
	}
}

func TestPipelineCacheMissesOnChangedLettering(t *testing.T) {
	rec := newFakeRecognizer()
	mc := &memoryCache{entries: make(map[string]*ocr.Result)}
	p, err := NewPipeline(&PipelineConfig{Recognizer: rec, Cache: mc, Language: "eng"})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}

	page := func(stroke int) *image.Gray {
		img := image.NewGray(image.Rect(0, 0, 120, 80))
		for y := 0; y < 80; y++ {
			for x := 0; x < 120; x++ {
				img.SetGray(x, y, color.Gray{Y: uint8(x * 2)})
			}
		}
		for y := 8; y < 20; y++ {
			for x := 8; x < 50; x++ {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
		for y := 11; y < 17; y++ {
			img.SetGray(12+stroke, y, color.Gray{})
		}
		return img
	}

	go func() {
		c := <-rec.calls
		c.reply <- reply{result: words("HELLO")}
		c = <-rec.calls
		c.reply <- reply{result: words("GOODBYE")}
	}()

	first, err := p.Run(context.Background(), "u1", page(0))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	second, err := p.Run(context.Background(), "u2", page(20))
	if err != nil {
		t.Fatalf("Run() second error = %v", err)
	}

	if n := rec.count.Load(); n != 2 {
		t.Errorf("Recognize called %d times, want 2", n)
	}
	if len(mc.entries) != 2 {
		t.Errorf("cache entries = %d, want 2", len(mc.entries))
	}
	if first.Text == second.Text {
		t.Errorf("second page reused text %q from the first", first.Text)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	p, _ := NewPipeline(&PipelineConfig{Recognizer: newFakeRecognizer()})
	r := NewRegistry(RegistryConfig{Pipeline: p, IdleTimeout: time.Minute})

	ws := r.Create()
	if got, ok := r.Get(ws.ID()); !ok || got != ws {
		t.Fatal("Get() did not return the created session")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	if n := r.Reap(time.Now()); n != 0 {
		t.Errorf("Reap() fresh session = %d, want 0", n)
	}
	if n := r.Reap(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Errorf("Reap() stale session = %d, want 1", n)
	}
	if _, ok := r.Get(ws.ID()); ok {
		t.Error("reaped session still present")
	}

	ws2 := r.Create()
	if !r.Delete(ws2.ID()) {
		t.Error("Delete() = false")
	}
	if r.Delete(ws2.ID()) {
		t.Error("second Delete() = true")
	}
}

func TestRegistryKeepsSubscribedSessions(t *testing.T) {
	p, _ := NewPipeline(&PipelineConfig{Recognizer: newFakeRecognizer()})
	r := NewRegistry(RegistryConfig{Pipeline: p, IdleTimeout: time.Minute})

	ws := r.Create()
	_, stop := ws.Subscribe()

	if n := r.Reap(time.Now().Add(2 * time.Minute)); n != 0 {
		t.Fatalf("Reap() with open subscription = %d, want 0", n)
	}
	if _, ok := r.Get(ws.ID()); !ok {
		t.Fatal("subscribed session was reaped")
	}

	stop()
	if n := r.Reap(time.Now().Add(30 * time.Second)); n != 0 {
		t.Errorf("Reap() right after unsubscribe = %d, want 0", n)
	}
	if n := r.Reap(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Errorf("Reap() after unsubscribe = %d, want 1", n)
	}
}

func TestSubscriberClosedOnDelete(t *testing.T) {
	p, _ := NewPipeline(&PipelineConfig{Recognizer: newFakeRecognizer()})
	r := NewRegistry(RegistryConfig{Pipeline: p})
	ws := r.Create()
	ch, stop := ws.Subscribe()
	defer stop()

	r.Delete(ws.ID())
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
}
