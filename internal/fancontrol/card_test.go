package fancontrol

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"amdgpu-fancontrol/internal/endpoint"
)

const (
	testRoot       = "/sys/class/drm/card0"
	testHwmon      = "/sys/class/drm/card0/device/hwmon/hwmon0"
	testMonitoring = "/sys/kernel/debug/dri/0/amdgpu_pm_info"
)

// recordingFs records every value written through it, keyed by base name.
type recordingFs struct {
	afero.Fs

	mu     sync.Mutex
	writes map[string][]string

	// panicOn makes Open panic for the named attribute.
	panicOn string
}

func newRecordingFs(fs afero.Fs) *recordingFs {
	return &recordingFs{Fs: fs, writes: map[string][]string{}}
}

func (r *recordingFs) Open(name string) (afero.File, error) {
	if r.panicOn != "" && filepath.Base(name) == r.panicOn {
		panic("sensor driver exploded")
	}
	return r.Fs.Open(name)
}

func (r *recordingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := r.Fs.OpenFile(name, flag, perm)
	if err != nil || flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return f, err
	}
	return &recordingFile{File: f, fs: r, name: filepath.Base(name)}, nil
}

func (r *recordingFs) Writes(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes[name]...)
}

type recordingFile struct {
	afero.File
	fs   *recordingFs
	name string
}

func (f *recordingFile) WriteString(s string) (int, error) {
	f.fs.mu.Lock()
	f.fs.writes[f.name] = append(f.fs.writes[f.name], s)
	f.fs.mu.Unlock()
	return f.File.WriteString(s)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newCardFs(t *testing.T, attrs map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll(testHwmon, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	base := map[string]string{
		attrTemp:   "35000\n",
		attrPWMMin: "0\n",
		attrPWMMax: "255\n",
		attrEnable: "2\n",
		attrPWM:    "30\n",
	}
	for k, v := range attrs {
		base[k] = v
	}
	for k, v := range base {
		if err := afero.WriteFile(fs, filepath.Join(testHwmon, k), []byte(v), 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", k, err)
		}
	}
	return fs
}

func testConfig(window int) Config {
	return Config{
		EndpointPath:   "device/hwmon/hwmon0",
		MonitoringPath: testMonitoring,
		Window:         window,
		Interval:       5 * time.Millisecond,
		Logger:         quietLogger(),
	}
}

func mustNew(t *testing.T, fs afero.Fs, window int) *Card {
	t.Helper()
	c, err := New(fs, "card0", testRoot, testConfig(window))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func readAttr(t *testing.T, fs afero.Fs, name string) string {
	t.Helper()
	v, err := endpoint.New(fs, filepath.Join(testHwmon, name)).Read()
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return v
}

func setAttr(t *testing.T, fs afero.Fs, name, value string) {
	t.Helper()
	if err := afero.WriteFile(fs, filepath.Join(testHwmon, name), []byte(value), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", name, err)
	}
}

func TestNew_ResolvesPaths(t *testing.T) {
	c := mustNew(t, newCardFs(t, nil), 30)
	if c.Path() != testRoot {
		t.Fatalf("path=%q want %q", c.Path(), testRoot)
	}
	if c.EndpointPath() != testHwmon {
		t.Fatalf("endpoint path=%q want %q", c.EndpointPath(), testHwmon)
	}
	if c.MonitoringPath() != testMonitoring {
		t.Fatalf("monitoring path=%q want %q", c.MonitoringPath(), testMonitoring)
	}
}

func TestNew_MissingRoot(t *testing.T) {
	c, err := New(afero.NewMemMapFs(), "card7", "/sys/class/drm/card7", testConfig(3))
	if c != nil {
		t.Fatalf("expected no card")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Attr != "" || nf.Path != "/sys/class/drm/card7" {
		t.Fatalf("unexpected error: %#v", err)
	}
}

func TestNew_MissingEndpoint(t *testing.T) {
	for _, attr := range requiredAttrs {
		t.Run(attr, func(t *testing.T) {
			fs := newCardFs(t, nil)
			if err := fs.Remove(filepath.Join(testHwmon, attr)); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			c, err := New(fs, "card0", testRoot, testConfig(3))
			if c != nil {
				t.Fatalf("expected no card")
			}
			var nf *NotFoundError
			if !errors.As(err, &nf) || nf.Attr != attr {
				t.Fatalf("err=%v want missing %s", err, attr)
			}
			if endpoint.IsFatal(err) {
				t.Fatalf("absence must not be a fatal error")
			}
		})
	}
}

func TestNew_MonitoringIsOptional(t *testing.T) {
	fs := newCardFs(t, nil)
	if ok, _ := afero.Exists(fs, testMonitoring); ok {
		t.Fatalf("fixture should not have a monitoring report")
	}
	mustNew(t, fs, 3)
}

func TestTick_SetsMinimumWhenCool(t *testing.T) {
	fs := newCardFs(t, nil)
	c := mustNew(t, fs, 30)

	if got := readAttr(t, fs, attrPWM); got != "30" {
		t.Fatalf("pwm1=%q want 30", got)
	}
	if err := c.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := readAttr(t, fs, attrPWM); got != "0" {
		t.Fatalf("pwm1=%q want 0", got)
	}

	snap := c.Snapshot()
	if snap.TempC != 35 || snap.Load != 0 || snap.PWM != 0 || snap.Ticks != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestTick_NoWriteWhenUnchanged(t *testing.T) {
	rec := newRecordingFs(newCardFs(t, map[string]string{attrPWM: "0"}))
	c := mustNew(t, rec, 30)

	for i := 0; i < 3; i++ {
		if err := c.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if w := rec.Writes(attrPWM); len(w) != 0 {
		t.Fatalf("pwm1 writes=%v want none", w)
	}
}

func TestTick_BounceSuppressesDecrease(t *testing.T) {
	rec := newRecordingFs(newCardFs(t, map[string]string{attrPWM: "0"}))
	c := mustNew(t, rec, 2)

	steps := []struct {
		milliC  int
		wantPWM string
	}{
		{milliC: 56000, wantPWM: "84"}, // [56] -> step 4
		{milliC: 53000, wantPWM: "84"}, // [53 56] max 56, unchanged
		{milliC: 52000, wantPWM: "84"}, // [52 53] wants 63, bouncing: held
		{milliC: 40000, wantPWM: "63"}, // [40 52] spread 12, not bouncing
	}
	for i, s := range steps {
		setAttr(t, rec, attrTemp, strconv.Itoa(s.milliC))
		if err := c.Tick(); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if got := readAttr(t, rec, attrPWM); got != s.wantPWM {
			t.Fatalf("tick %d: pwm1=%q want %q", i, got, s.wantPWM)
		}
	}
	if got, want := rec.Writes(attrPWM), []string{"84", "63"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("pwm1 writes=%v want %v", got, want)
	}
}

func TestTick_BounceDoesNotSuppressIncrease(t *testing.T) {
	fs := newCardFs(t, map[string]string{attrPWM: "42", attrTemp: "48000"})
	c := mustNew(t, fs, 2)

	if err := c.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	setAttr(t, fs, attrTemp, "51000")
	if err := c.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !c.Snapshot().Bouncing {
		t.Fatalf("expected bouncing window")
	}
	if got := readAttr(t, fs, attrPWM); got != "63" {
		t.Fatalf("pwm1=%q want 63", got)
	}
}

func TestTick_LoadRaisesSpeed(t *testing.T) {
	fs := newCardFs(t, map[string]string{attrTemp: "50000"})
	if err := afero.WriteFile(fs, testMonitoring, []byte("GPU Temperature: 50 C\nGPU Load: 80 %\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c := mustNew(t, fs, 5)

	if err := c.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	// 21*2*1.2 = 50.4
	if got := readAttr(t, fs, attrPWM); got != "50" {
		t.Fatalf("pwm1=%q want 50", got)
	}
	if snap := c.Snapshot(); snap.Load != 80 || snap.LoadAvg != 80 {
		t.Fatalf("unexpected load in snapshot: %+v", snap)
	}
}

func TestTick_MissingMonitoringCountsAsZeroLoad(t *testing.T) {
	fs := newCardFs(t, nil)
	c := mustNew(t, fs, 4)
	for i := 0; i < 6; i++ {
		if err := c.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if got, want := c.loads.Values(), []int{0, 0, 0, 0}; !reflect.DeepEqual(got, want) {
		t.Fatalf("load window=%v want %v", got, want)
	}
}

func TestTick_MalformedMonitoringIsFatal(t *testing.T) {
	fs := newCardFs(t, nil)
	if err := afero.WriteFile(fs, testMonitoring, []byte("GPU Temperature: 50 C\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c := mustNew(t, fs, 4)
	err := c.Tick()
	if !endpoint.IsFatal(err) {
		t.Fatalf("err=%v want fatal parse error", err)
	}
}

func TestTick_GarbageTemperatureIsFatal(t *testing.T) {
	fs := newCardFs(t, map[string]string{attrTemp: "hot"})
	c := mustNew(t, fs, 4)
	if err := c.Tick(); !endpoint.IsFatal(err) {
		t.Fatalf("err=%v want fatal parse error", err)
	}
	if got := readAttr(t, fs, attrPWM); got != "30" {
		t.Fatalf("pwm1=%q must be untouched", got)
	}
}

func TestRun_RestoresHardwareControlOnFatalTick(t *testing.T) {
	rec := newRecordingFs(newCardFs(t, nil))
	c := mustNew(t, rec, 3)
	if err := rec.Remove(filepath.Join(testHwmon, attrTemp)); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	err := c.Run(context.Background())
	if !endpoint.IsFatal(err) {
		t.Fatalf("err=%v want fatal read error", err)
	}
	if got, want := rec.Writes(attrEnable), []string{pwmManual, pwmAutomatic}; !reflect.DeepEqual(got, want) {
		t.Fatalf("pwm1_enable writes=%v want %v", got, want)
	}
	snap := c.Snapshot()
	if snap.SoftwareControl || snap.LastError == "" {
		t.Fatalf("unexpected snapshot after failure: %+v", snap)
	}
}

func TestRun_RestoresHardwareControlOnCancel(t *testing.T) {
	rec := newRecordingFs(newCardFs(t, nil))
	c := mustNew(t, rec, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for c.Snapshot().Ticks < 3 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("loop did not tick")
		case <-time.After(time.Millisecond):
		}
	}
	if !c.Snapshot().SoftwareControl {
		t.Fatalf("expected software control while running")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if got, want := rec.Writes(attrEnable), []string{pwmManual, pwmAutomatic}; !reflect.DeepEqual(got, want) {
		t.Fatalf("pwm1_enable writes=%v want %v", got, want)
	}
	if got := readAttr(t, rec, attrEnable); got != pwmAutomatic {
		t.Fatalf("pwm1_enable=%q want %q", got, pwmAutomatic)
	}
}

func TestRun_CanceledContextLeavesFanAlone(t *testing.T) {
	rec := newRecordingFs(newCardFs(t, nil))
	c := mustNew(t, rec, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w := rec.Writes(attrEnable); len(w) != 0 {
		t.Fatalf("pwm1_enable writes=%v want none", w)
	}
	if w := rec.Writes(attrPWM); len(w) != 0 {
		t.Fatalf("pwm1 writes=%v want none", w)
	}
	if c.Snapshot().Ticks != 0 {
		t.Fatalf("expected no ticks")
	}
}

func TestRun_RestoresHardwareControlOnPanic(t *testing.T) {
	rec := newRecordingFs(newCardFs(t, nil))
	c := mustNew(t, rec, 3)
	rec.panicOn = attrTemp

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = c.Run(context.Background())
	}()

	if got, want := rec.Writes(attrEnable), []string{pwmManual, pwmAutomatic}; !reflect.DeepEqual(got, want) {
		t.Fatalf("pwm1_enable writes=%v want %v", got, want)
	}
}

func TestOnce(t *testing.T) {
	rec := newRecordingFs(newCardFs(t, map[string]string{attrTemp: "62000"}))
	c := mustNew(t, rec, 3)

	if err := c.Once(); err != nil {
		t.Fatalf("Once: %v", err)
	}
	if got := readAttr(t, rec, attrPWM); got != "105" {
		t.Fatalf("pwm1=%q want 105", got)
	}
	if got := readAttr(t, rec, attrEnable); got != pwmAutomatic {
		t.Fatalf("pwm1_enable=%q want %q", got, pwmAutomatic)
	}
}

func TestUnwritableAttrs_MemFs(t *testing.T) {
	c := mustNew(t, newCardFs(t, nil), 3)
	if got := c.UnwritableAttrs(); len(got) != 0 {
		t.Fatalf("unwritable=%v want none", got)
	}
}
