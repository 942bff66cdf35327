package fancontrol

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var newTicker = time.NewTicker

// ErrNotFound matches every NotFoundError.
var ErrNotFound = errors.New("fancontrol: card not found")

// NotFoundError reports a card root or a required attribute that does not
// exist. It is an expected outcome of New, not an I/O failure.
type NotFoundError struct {
	Card string
	// Path is the missing card root or attribute.
	Path string
	// Attr is empty when the card root itself is missing.
	Attr string
}

func (e *NotFoundError) Error() string {
	if e.Attr == "" {
		return fmt.Sprintf("fancontrol: card %s: %s is not a directory", e.Card, e.Path)
	}
	return fmt.Sprintf("fancontrol: card %s: missing endpoint %s (%s)", e.Card, e.Attr, e.Path)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type Config struct {
	// EndpointPath is the hwmon directory relative to the card root,
	// e.g. device/hwmon/hwmon0.
	EndpointPath string
	// MonitoringPath is the absolute path of the amdgpu_pm_info report.
	// It is optional at runtime.
	MonitoringPath string
	// Window is the number of samples kept for smoothing (>= 1).
	Window int
	// Interval between ticks.
	Interval time.Duration

	Logger logrus.FieldLogger
}

type Snapshot struct {
	Name string `json:"name"`
	Path string `json:"path"`

	SoftwareControl bool `json:"software_control"`

	TempC    int  `json:"temp_c"`
	MaxTempC int  `json:"max_temp_c"`
	MinTempC int  `json:"min_temp_c"`
	Load     int  `json:"load"`
	LoadAvg  int  `json:"load_avg"`
	Bouncing bool `json:"bouncing"`

	PWM       int `json:"pwm"`
	TargetPWM int `json:"target_pwm"`
	PWMMin    int `json:"pwm_min"`
	PWMMax    int `json:"pwm_max"`

	Ticks        uint64    `json:"ticks"`
	LastUpdateAt time.Time `json:"last_update_utc,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Card drives the fan of one GPU through its hwmon attributes.
//
// Run, Once and Tick must be called from a single goroutine. Snapshot may be
// called concurrently.
type Card struct {
	fs  afero.Fs
	log *logrus.Entry

	name           string
	path           string
	endpointPath   string
	monitoringPath string
	interval       time.Duration

	temps *sampleWindow
	loads *sampleWindow

	mu   sync.RWMutex
	snap Snapshot
}

// New resolves the card's attribute paths and checks that the card root is
// a directory holding every required attribute. A *NotFoundError is
// returned otherwise.
func New(fs afero.Fs, name, root string, cfg Config) (*Card, error) {
	if cfg.Window < 1 {
		cfg.Window = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	c := &Card{
		fs:             fs,
		log:            cfg.Logger.WithField("card", name),
		name:           name,
		path:           root,
		endpointPath:   filepath.Join(root, cfg.EndpointPath),
		monitoringPath: cfg.MonitoringPath,
		interval:       cfg.Interval,
		temps:          newSampleWindow(cfg.Window),
		loads:          newSampleWindow(cfg.Window),
	}
	c.snap = Snapshot{Name: name, Path: root}

	if ok, _ := afero.IsDir(fs, root); !ok {
		return nil, &NotFoundError{Card: name, Path: root}
	}
	for _, a := range requiredAttrs {
		e := c.attr(a)
		if !e.Exists() {
			return nil, &NotFoundError{Card: name, Path: e.Path(), Attr: a}
		}
	}
	return c, nil
}

func (c *Card) Name() string           { return c.name }
func (c *Card) Path() string           { return c.path }
func (c *Card) EndpointPath() string   { return c.endpointPath }
func (c *Card) MonitoringPath() string { return c.monitoringPath }

// UnwritableAttrs lists the attributes this process is not permitted to
// write. Run will fail on the first of them.
func (c *Card) UnwritableAttrs() []string {
	var out []string
	for _, a := range []string{attrEnable, attrPWM} {
		if !c.attr(a).Writable() {
			out = append(out, a)
		}
	}
	return out
}

func (c *Card) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *Card) setState(update func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update(&c.snap)
	c.snap.LastUpdateAt = time.Now().UTC()
}

func (c *Card) setErr(err error) {
	c.setState(func(sn *Snapshot) { sn.LastError = err.Error() })
}

// Run takes software control of the fan and ticks every interval until ctx
// is done or a tick fails. Hardware control is restored on every exit path.
func (c *Card) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	return c.withSoftwareControl(func() error {
		t := newTicker(c.interval)
		defer t.Stop()
		for {
			if err := c.Tick(); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
		}
	})
}

// Once takes software control, runs a single tick, and restores hardware
// control.
func (c *Card) Once() error {
	return c.withSoftwareControl(c.Tick)
}

func (c *Card) withSoftwareControl(fn func() error) (err error) {
	// Registered before the claim so a partially applied claim is undone too.
	defer func() {
		if rerr := c.restoreHardwareControl(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		if err != nil {
			c.setErr(err)
		}
	}()

	if err := c.assumeSoftwareControl(); err != nil {
		return fmt.Errorf("card %s: assume software control: %w", c.name, err)
	}
	if err := fn(); err != nil {
		return fmt.Errorf("card %s: %w", c.name, err)
	}
	return nil
}

func (c *Card) assumeSoftwareControl() error {
	if err := c.attr(attrEnable).Write(pwmManual); err != nil {
		return err
	}
	c.setState(func(sn *Snapshot) { sn.SoftwareControl = true })
	c.log.Info("assumed software fan control")
	return nil
}

func (c *Card) restoreHardwareControl() error {
	if err := c.attr(attrEnable).Write(pwmAutomatic); err != nil {
		c.log.WithError(err).Error("restore hardware fan control failed")
		return fmt.Errorf("card %s: restore hardware control: %w", c.name, err)
	}
	c.setState(func(sn *Snapshot) { sn.SoftwareControl = false })
	c.log.Info("restored hardware fan control")
	return nil
}
