package player

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"

	"loopsync/internal/policy"
)

// silentOutput satisfies Output without audio hardware.
type silentOutput struct {
	played  beep.Streamer
	cleared bool
}

func (o *silentOutput) Init(beep.SampleRate, int) error { return nil }
func (o *silentOutput) Play(s beep.Streamer)            { o.played = s }
func (o *silentOutput) Clear()                          { o.cleared = true }
func (o *silentOutput) Lock()                           {}
func (o *silentOutput) Unlock()                         {}

var testFormat = beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2}

func writeWAV(t *testing.T, path string, seconds float64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n := testFormat.SampleRate.N(time.Duration(seconds * float64(time.Second)))
	if err := wav.Encode(f, beep.Silence(n), testFormat); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
}

func openTestPlayer(t *testing.T, seconds float64) (*Player, *silentOutput) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loop.wav")
	writeWAV(t, path, seconds)
	out := &silentOutput{}
	p, err := Open(context.Background(), Options{Location: path, Output: out})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, out
}

func TestOpenReportsSnapshot(t *testing.T) {
	p, out := openTestPlayer(t, 2)
	if out.played == nil {
		t.Fatal("player did not start audio")
	}
	snap, err := p.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Position != 0 || snap.Paused {
		t.Errorf("fresh snapshot = %+v", snap)
	}
	if !snap.HasDuration || math.Abs(snap.Duration-2) > 1e-3 {
		t.Errorf("duration = %v (has=%v), want 2", snap.Duration, snap.HasDuration)
	}
	if len(snap.Ranges) != 1 || snap.Ranges[0].Start != 0 || math.Abs(snap.Ranges[0].End-2) > 1e-3 {
		t.Errorf("ranges = %v", snap.Ranges)
	}
	if p.Kind() != policy.ProgressiveFile || snap.Kind != policy.ProgressiveFile {
		t.Error("file playback must be progressive")
	}
}

func TestSeekAndClamp(t *testing.T) {
	p, _ := openTestPlayer(t, 2)
	if err := p.Seek(1.5); err != nil {
		t.Fatal(err)
	}
	snap, _ := p.Snapshot()
	if math.Abs(snap.Position-1.5) > 1e-3 {
		t.Errorf("position = %v, want 1.5", snap.Position)
	}

	if err := p.Seek(99); err != nil {
		t.Fatal(err)
	}
	snap, _ = p.Snapshot()
	if snap.Position >= snap.Duration {
		t.Errorf("seek past end left position at %v of %v", snap.Position, snap.Duration)
	}

	if err := p.Seek(-3); err != nil {
		t.Fatal(err)
	}
	if snap, _ = p.Snapshot(); snap.Position != 0 {
		t.Errorf("negative seek position = %v, want 0", snap.Position)
	}
}

func TestReloadRestartsFromZero(t *testing.T) {
	p, _ := openTestPlayer(t, 1)
	if err := p.Seek(0.7); err != nil {
		t.Fatal(err)
	}
	if err := p.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if snap, _ := p.Snapshot(); snap.Position != 0 {
		t.Errorf("position after reload = %v", snap.Position)
	}
}

func TestPauseAndResume(t *testing.T) {
	p, _ := openTestPlayer(t, 1)
	if err := p.SetPaused(true); err != nil {
		t.Fatal(err)
	}
	if snap, _ := p.Snapshot(); !snap.Paused {
		t.Fatal("expected paused")
	}
	if err := p.Resume(); err != nil {
		t.Fatal(err)
	}
	if snap, _ := p.Snapshot(); snap.Paused {
		t.Error("Resume did not unpause")
	}
}

func TestClosedPlayerRejectsCalls(t *testing.T) {
	p, out := openTestPlayer(t, 1)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !out.cleared {
		t.Error("Close should clear the output")
	}
	if _, err := p.Snapshot(); !errors.Is(err, ErrClosed) {
		t.Errorf("Snapshot err = %v", err)
	}
	if err := p.Seek(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Seek err = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestOpenRejectsUnsupported(t *testing.T) {
	for _, loc := range []string{"https://cdn.example.com/live/master.m3u8", filepath.Join(t.TempDir(), "track.ogg")} {
		if _, err := Open(context.Background(), Options{Location: loc, Output: &silentOutput{}}); !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("Open(%q) err = %v, want ErrUnsupportedFormat", loc, err)
		}
	}
	if _, err := Open(context.Background(), Options{Output: &silentOutput{}}); err == nil {
		t.Error("empty location should fail")
	}
}

func TestFetchCachesDownload(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src.wav")
	writeWAV(t, src, 0.5)
	body, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	url := srv.URL + "/media/loop.wav"
	path, err := Fetch(context.Background(), srv.Client(), dir, url)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if path != CachePath(dir, url) || filepath.Ext(path) != ".wav" {
		t.Errorf("path = %q", path)
	}
	if _, err := Fetch(context.Background(), srv.Client(), dir, url); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}

	p, err := Open(context.Background(), Options{Location: url, CacheDir: dir, HTTPClient: srv.Client(), Output: &silentOutput{}})
	if err != nil {
		t.Fatalf("Open remote: %v", err)
	}
	defer p.Close()
	if p.Path() != path {
		t.Errorf("player path = %q, want cached %q", p.Path(), path)
	}
}

func TestFetchBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	dir := t.TempDir()
	if _, err := Fetch(context.Background(), srv.Client(), dir, srv.URL+"/x.mp3"); err == nil {
		t.Fatal("expected error for 404")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("failed download left %d files", len(entries))
	}
}

func TestIsRemote(t *testing.T) {
	cases := map[string]bool{
		"http://a/b.mp3":  true,
		"https://a/b.mp3": true,
		"/srv/loop.mp3":   false,
		"loop.mp3":        false,
	}
	for in, want := range cases {
		if got := IsRemote(in); got != want {
			t.Errorf("IsRemote(%q) = %v", in, got)
		}
	}
}

// seq yields sample values 0..n-1 on the left channel.
type seq struct {
	n, pos int
}

func (s *seq) Stream(samples [][2]float64) (int, bool) {
	if s.pos >= s.n {
		return 0, false
	}
	k := 0
	for k < len(samples) && s.pos < s.n {
		samples[k][0] = float64(s.pos)
		s.pos++
		k++
	}
	return k, true
}

func (s *seq) Err() error       { return nil }
func (s *seq) Len() int         { return s.n }
func (s *seq) Position() int    { return s.pos }
func (s *seq) Seek(p int) error { s.pos = p; return nil }

func TestLooperWrapsAround(t *testing.T) {
	l := &looper{s: &seq{n: 4}}
	buf := make([][2]float64, 10)
	n, ok := l.Stream(buf)
	if n != 10 || !ok {
		t.Fatalf("Stream = %d, %v", n, ok)
	}
	want := []float64{0, 1, 2, 3, 0, 1, 2, 3, 0, 1}
	for i, w := range want {
		if buf[i][0] != w {
			t.Fatalf("sample %d = %v, want %v", i, buf[i][0], w)
		}
	}
}

func TestLooperEmptySource(t *testing.T) {
	l := &looper{s: &seq{n: 0}}
	if n, ok := l.Stream(make([][2]float64, 8)); n != 0 || ok {
		t.Errorf("empty source Stream = %d, %v", n, ok)
	}
}
