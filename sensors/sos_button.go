package sensors

import (
	"log"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// sosDebounce filters spurious edges off a mechanical button.
const sosDebounce = 50 * time.Millisecond

// SOSButton watches a GPIO line for the physical emergency-call trigger,
// using a kernel-debounced line request rather than polling raw sysfs.
type SOSButton struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
	onPress func()
}

// NewSOSButton opens chipName/offset as a debounced, falling-edge-triggered
// input line and invokes onPress on each press.
func NewSOSButton(chipName string, offset int, onPress func()) (*SOSButton, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, err
	}
	b := &SOSButton{chip: chip, onPress: onPress}

	line, err := chip.RequestLine(offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithDebounce(sosDebounce),
		gpiocdev.WithFallingEdge,
		gpiocdev.WithEventHandler(b.handleEvent),
	)
	if err != nil {
		chip.Close()
		return nil, err
	}
	b.line = line
	return b, nil
}

func (b *SOSButton) handleEvent(evt gpiocdev.LineEvent) {
	if evt.Type != gpiocdev.LineEventFallingEdge {
		return
	}
	log.Printf("sensors: sos button pressed")
	if b.onPress != nil {
		b.onPress()
	}
}

// Close releases the GPIO line and chip handle.
func (b *SOSButton) Close() error {
	if b.line != nil {
		b.line.Close()
	}
	if b.chip != nil {
		return b.chip.Close()
	}
	return nil
}
