package fancontrol

import (
	"github.com/sirupsen/logrus"
)

type action int

const (
	actionSet action = iota
	// actionHoldBouncing suppresses a decrease while the temperature jitters.
	actionHoldBouncing
	actionHoldUnchanged
)

func (a action) String() string {
	switch a {
	case actionSet:
		return "set"
	case actionHoldBouncing:
		return "hold_bouncing"
	case actionHoldUnchanged:
		return "hold_unchanged"
	}
	return "unknown"
}

// decide applies bounce suppression to decreases only; an increase is
// always written so a jittering but hot card is never under-cooled.
func decide(target, current int, bouncing bool) action {
	switch {
	case target < current && bouncing:
		return actionHoldBouncing
	case target == current:
		return actionHoldUnchanged
	default:
		return actionSet
	}
}

// Tick samples the sensors once, updates the windows and writes a new PWM
// duty when the speed curve calls for it. Any error is fatal for the card.
func (c *Card) Tick() error {
	tempC, err := c.readTempC()
	if err != nil {
		return err
	}
	load, err := c.readGPULoad()
	if err != nil {
		return err
	}

	c.temps.Push(tempC)
	c.loads.Push(load)

	maxTempC := c.temps.Max()
	minTempC := c.temps.Min()
	loadAvg := c.loads.Mean()
	bouncing := c.temps.Bouncing()

	current, err := c.attr(attrPWM).ReadInt()
	if err != nil {
		return err
	}
	minPWM, err := c.attr(attrPWMMin).ReadInt()
	if err != nil {
		return err
	}
	maxPWM, err := c.attr(attrPWMMax).ReadInt()
	if err != nil {
		return err
	}

	target := SpeedFor(maxTempC, loadAvg, minPWM, maxPWM)
	act := decide(target, current, bouncing)

	entry := c.log.WithFields(logrus.Fields{
		"current_temp": tempC,
		"max_temp":     maxTempC,
		"min_temp":     minTempC,
		"fanspeed":     current,
		"new_fanspeed": target,
		"load":         load,
		"load_avg":     loadAvg,
		"bouncing":     bouncing,
		"action":       act.String(),
	})

	pwm := current
	if act == actionSet {
		if err := c.attr(attrPWM).WriteInt(target); err != nil {
			return err
		}
		pwm = target
		entry.Info("fan speed changed")
	} else {
		entry.Debug("fan speed held")
	}

	c.setState(func(sn *Snapshot) {
		sn.TempC = tempC
		sn.MaxTempC = maxTempC
		sn.MinTempC = minTempC
		sn.Load = load
		sn.LoadAvg = loadAvg
		sn.Bouncing = bouncing
		sn.PWM = pwm
		sn.TargetPWM = target
		sn.PWMMin = minPWM
		sn.PWMMax = maxPWM
		sn.Ticks++
		sn.LastError = ""
	})
	return nil
}
