package button

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// GPIOInput reads an active-high button wired with a pull-down.
type GPIOInput struct {
	pin gpio.PinIO
}

// OpenGPIO initializes the host drivers and configures name (for example
// "GPIO17") as a pulled-down input.
func OpenGPIO(name string) (*GPIOInput, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("button: periph host init: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("button: pin %s not found", name)
	}
	if err := p.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("button: configuring %s as input: %w", name, err)
	}
	slog.Info("[Button] GPIO input ready", "pin", name)
	return &GPIOInput{pin: p}, nil
}

func (g *GPIOInput) Pressed() bool {
	return g.pin.Read() == gpio.High
}
