//go:build linux

package hal

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

func openLinux(cfg Config) (be *backend, err error) {
	be = &backend{}
	defer func() {
		if err != nil {
			_ = be.close()
			be = nil
		}
	}()

	chip := cfg.PWMChip
	if chip == "" {
		minChannels := max(cfg.IN1Channel, cfg.IN2Channel) + 1
		if chip, err = findPWMChip(minChannels); err != nil {
			return be, err
		}
	}
	in1, err := openPWM(chip, cfg.IN1Channel)
	if err != nil {
		return be, fmt.Errorf("hal: open IN1: %w", err)
	}
	be.in1 = in1
	in2, err := openPWM(chip, cfg.IN2Channel)
	if err != nil {
		return be, fmt.Errorf("hal: open IN2: %w", err)
	}
	be.in2 = in2

	src, err := openIIO(cfg.IIODevice, *cfg.ADCChannel, cfg.SampleRateHz)
	if err != nil {
		return be, err
	}
	be.src = src

	if cfg.GainSelectLine != "" {
		gain, err := openGPIOLine(cfg.GainSelectLine, gpiocdev.AsOutput(0))
		if err != nil {
			return be, err
		}
		be.gain = gain
	}
	if cfg.PowerGoodLine != "" {
		pg, err := openGPIOLine(cfg.PowerGoodLine, gpiocdev.AsInput)
		if err != nil {
			return be, err
		}
		be.powerGood = pg
	}
	return be, nil
}
