//go:build linux

package hal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

const gpioConsumer = "nimrs"

var gpioDevBase = "/dev"

// gpiodLine is a requested GPIO line together with the chip that owns it.
type gpiodLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// openGPIOLine searches every gpiochip for a line with the given name, e.g.
// "GPIO17", and requests it with opt.
func openGPIOLine(name string, opt gpiocdev.LineReqOption) (*gpiodLine, error) {
	if name == "" {
		return nil, fmt.Errorf("hal: empty gpio line name")
	}
	var chips []string
	entries, _ := os.ReadDir(gpioDevBase)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gpiochip") {
			chips = append(chips, filepath.Join(gpioDevBase, e.Name()))
		}
	}

	for _, chipPath := range chips {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(name)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, opt, gpiocdev.WithConsumer(gpioConsumer))
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &gpiodLine{chip: chip, line: line}, nil
	}
	return nil, fmt.Errorf("hal: gpio line %q not found (or busy)", name)
}

func (g *gpiodLine) SetValue(v int) error {
	if g == nil || g.line == nil {
		return fmt.Errorf("hal: gpio line not open")
	}
	return g.line.SetValue(v)
}

func (g *gpiodLine) Value() (int, error) {
	if g == nil || g.line == nil {
		return 0, fmt.Errorf("hal: gpio line not open")
	}
	return g.line.Value()
}

func (g *gpiodLine) Close() error {
	if g == nil || g.line == nil {
		return nil
	}
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
