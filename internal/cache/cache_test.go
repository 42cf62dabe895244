package cache

import (
	"context"
	"image"
	"image/color"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/comic-typesetter/internal/ocr"
)

func gradient(w, h int, invert bool) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x * 255) / w)
			if invert {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func TestFingerprintStableAndDistinct(t *testing.T) {
	a1, err := Fingerprint(gradient(64, 48, false), "eng")
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	a2, _ := Fingerprint(gradient(64, 48, false), "eng")
	if a1 != a2 {
		t.Errorf("same page gave different keys: %s vs %s", a1, a2)
	}

	b, _ := Fingerprint(gradient(64, 48, true), "eng")
	if a1 == b {
		t.Error("inverted page should have a different key")
	}

	c, _ := Fingerprint(gradient(64, 48, false), "jpn")
	if a1 == c {
		t.Error("language must be part of the key")
	}

	d, _ := Fingerprint(gradient(32, 48, false), "eng")
	if a1 == d {
		t.Error("dimensions must be part of the key")
	}
}

// lettered draws the same gradient art with a white balloon whose dark
// strokes depend on text, like two pages that differ only in dialogue
func lettered(text string) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 200, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 200; x++ {
			v := uint8((x * 255) / 200)
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	for y := 10; y < 30; y++ {
		for x := 10; x < 80; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	for i, r := range text {
		x := 14 + i*6
		for dy := 0; dy < int(r)%8+2; dy++ {
			img.SetNRGBA(x, 14+dy, color.NRGBA{A: 255})
			img.SetNRGBA(x+1, 14+dy, color.NRGBA{A: 255})
		}
	}
	return img
}

func TestFingerprintSeparatesPagesSharingArt(t *testing.T) {
	hello, err := Fingerprint(lettered("HELLO"), "eng")
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	bye, err := Fingerprint(lettered("BYE!!"), "eng")
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if hello == bye {
		t.Fatalf("pages with different lettering share key %s", hello)
	}

	again, _ := Fingerprint(lettered("HELLO"), "eng")
	if again != hello {
		t.Errorf("identical page gave different keys: %s vs %s", hello, again)
	}

}

func TestNoopCache(t *testing.T) {
	var c RecognitionCache = NoopCache{}
	if err := c.Put(context.Background(), "k", &ocr.Result{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, hit, err := c.Get(context.Background(), "k"); hit || err != nil {
		t.Fatalf("Get() = hit %v, err %v", hit, err)
	}
}

func TestNewRedisCacheRequiresURL(t *testing.T) {
	if _, err := NewRedisCache(&RedisCacheConfig{}); err == nil {
		t.Fatal("expected error without RedisURL")
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set")
	}

	c, err := NewRedisCache(&RedisCacheConfig{
		RedisURL: redisURL,
		Prefix:   "typesetter-test:" + uuid.NewString(),
		TTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("NewRedisCache() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if _, hit, err := c.Get(ctx, "page"); hit || err != nil {
		t.Fatalf("Get() on empty cache = hit %v, err %v", hit, err)
	}

	want := &ocr.Result{
		Text:  "HEY YOU",
		Words: []ocr.Word{{Text: "HEY", BBox: ocr.BoundingBox{X0: 1, Y0: 2, X1: 3, Y1: 4}}},
	}
	if err := c.Put(ctx, "page", want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, hit, err := c.Get(ctx, "page")
	if err != nil || !hit {
		t.Fatalf("Get() = hit %v, err %v", hit, err)
	}
	if got.Text != want.Text || len(got.Words) != 1 || got.Words[0].BBox != want.Words[0].BBox {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}
