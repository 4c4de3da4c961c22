// Package sms drives a SIM800-class GPRS modem over AT commands to send
// SMS messages, invoked from the "send_sms" command: AT+CMGF=1 (text
// mode), AT+CSCS="UTF8", AT+CMGS=<number>, then the message body terminated
// with Ctrl+Z, checking for "+CMGS:" in the response.
package sms

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/term"
)

const (
	ctrlZ         = byte(0x1A)
	atTimeout     = 5 * time.Second
	smsSendTimeout = 10 * time.Second
)

// Modem is an open connection to a SIM800-class GPRS modem.
type Modem struct {
	port *term.Term
}

// Open opens the modem's serial port at baud and puts it in text-mode SMS
// configuration.
func Open(device string, baud int) (*Modem, error) {
	port, err := term.Open(device, term.Speed(baud), term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("sms: open %s: %w", device, err)
	}
	m := &Modem{port: port}

	if _, err := m.sendAT("AT", atTimeout); err != nil {
		m.Close()
		return nil, fmt.Errorf("sms: modem not responding: %w", err)
	}
	if _, err := m.sendAT("AT+CMGF=1", atTimeout); err != nil {
		m.Close()
		return nil, fmt.Errorf("sms: set text mode failed: %w", err)
	}
	if _, err := m.sendAT(`AT+CSCS="UTF8"`, atTimeout); err != nil {
		m.Close()
		return nil, fmt.Errorf("sms: set charset failed: %w", err)
	}
	return m, nil
}

// SendSMS sends message to phoneNumber, returning an error if the modem
// doesn't confirm submission with "+CMGS:" before smsSendTimeout.
func (m *Modem) SendSMS(phoneNumber, message string) error {
	if _, err := fmt.Fprintf(m.port, "AT+CMGS=\"%s\"\r", phoneNumber); err != nil {
		return fmt.Errorf("sms: write CMGS command: %w", err)
	}
	if err := m.waitFor(">", atTimeout); err != nil {
		return fmt.Errorf("sms: modem did not prompt for message body: %w", err)
	}

	if _, err := m.port.Write([]byte(message)); err != nil {
		return fmt.Errorf("sms: write message body: %w", err)
	}
	if _, err := m.port.Write([]byte{ctrlZ}); err != nil {
		return fmt.Errorf("sms: write terminator: %w", err)
	}

	resp, err := m.readUntil("+CMGS:", smsSendTimeout)
	if err != nil {
		return fmt.Errorf("sms: no confirmation from modem: %w", err)
	}
	if !strings.Contains(resp, "+CMGS:") {
		return fmt.Errorf("sms: unexpected modem response: %q", resp)
	}
	return nil
}

// SignalQuality issues AT+CSQ and returns the raw modem response line, for
// connectivity diagnostics.
func (m *Modem) SignalQuality() (string, error) {
	return m.sendAT("AT+CSQ", atTimeout)
}

func (m *Modem) sendAT(cmd string, timeout time.Duration) (string, error) {
	if _, err := fmt.Fprintf(m.port, "%s\r", cmd); err != nil {
		return "", err
	}
	return m.readUntil("OK", timeout)
}

func (m *Modem) waitFor(marker string, timeout time.Duration) error {
	_, err := m.readUntil(marker, timeout)
	return err
}

// readUntil reads lines until one contains marker or the deadline passes.
func (m *Modem) readUntil(marker string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	scanner := bufio.NewScanner(m.port)
	var last string
	for scanner.Scan() {
		last = scanner.Text()
		if strings.Contains(last, marker) || strings.Contains(last, "ERROR") {
			return last, nil
		}
		if time.Now().After(deadline) {
			break
		}
	}
	if last == "" {
		return "", fmt.Errorf("sms: timed out waiting for %q", marker)
	}
	return last, fmt.Errorf("sms: timed out waiting for %q, last line %q", marker, last)
}

// Close releases the serial port.
func (m *Modem) Close() error {
	return m.port.Close()
}
