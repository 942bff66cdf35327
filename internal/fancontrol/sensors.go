package fancontrol

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"amdgpu-fancontrol/internal/endpoint"
)

const (
	attrTemp   = "temp1_input"
	attrPWMMax = "pwm1_max"
	attrPWMMin = "pwm1_min"
	attrEnable = "pwm1_enable"
	attrPWM    = "pwm1"
)

// pwm1_enable modes.
const (
	pwmManual    = "1"
	pwmAutomatic = "2"
)

var requiredAttrs = []string{attrTemp, attrPWMMax, attrPWMMin, attrEnable, attrPWM}

var gpuLoadRe = regexp.MustCompile(`GPU Load: (\d+) %`)

// parseTempC converts a hwmon millidegree reading to whole degrees C.
func parseTempC(milli int) int {
	return milli / 1000
}

// parseGPULoad extracts the load percentage from an amdgpu_pm_info report.
func parseGPULoad(report string) (int, error) {
	m := gpuLoadRe.FindStringSubmatch(report)
	if m == nil {
		return 0, fmt.Errorf("no %q in monitoring report", "GPU Load: <n> %")
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("parse gpu load %q: %w", m[1], err)
	}
	return n, nil
}

func (c *Card) attr(name string) endpoint.Endpoint {
	return endpoint.New(c.fs, filepath.Join(c.endpointPath, name))
}

func (c *Card) monitoring() endpoint.Endpoint {
	return endpoint.New(c.fs, c.monitoringPath)
}

func (c *Card) readTempC() (int, error) {
	milli, err := c.attr(attrTemp).ReadInt()
	if err != nil {
		return 0, err
	}
	return parseTempC(milli), nil
}

// readGPULoad returns 0 when the monitoring report is unavailable; debugfs
// is often not mounted or not readable.
func (c *Card) readGPULoad() (int, error) {
	mon := c.monitoring()
	if !mon.Exists() {
		return 0, nil
	}
	report, err := mon.Read()
	if err != nil {
		return 0, err
	}
	load, err := parseGPULoad(report)
	if err != nil {
		return 0, &endpoint.FatalError{Op: "parse", Path: mon.Path(), Err: err}
	}
	return load, nil
}
