package modbus

import (
	"fmt"
	"time"

	"github.com/goburrow/modbus"
)

// Transport is the minimal Modbus surface the rig devices use. The RTU
// implementation wraps goburrow; tests substitute in-memory fakes.
type Transport interface {
	Connect() error
	Close() error

	ReadCoils(address, quantity uint16) ([]bool, error)
	WriteCoil(address uint16, on bool) error
	ReadInputRegisters(address, quantity uint16) ([]uint16, error)
	ReadHoldingRegisters(address, quantity uint16) ([]uint16, error)
	WriteRegister(address, value uint16) error
}

// RTUTransport drives one serial slave over Modbus RTU.
type RTUTransport struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// NewRTU builds a transport for the given serial endpoint. 8N1 framing and
// the per-request timeout are fixed; both rig boards speak the same profile.
func NewRTU(port string, baudRate int, slaveID byte, timeout time.Duration) *RTUTransport {
	handler := modbus.NewRTUClientHandler(port)
	handler.BaudRate = baudRate
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.SlaveId = slaveID
	handler.Timeout = timeout

	return &RTUTransport{
		handler: handler,
		client:  modbus.NewClient(handler),
	}
}

func (t *RTUTransport) Connect() error {
	return t.handler.Connect()
}

func (t *RTUTransport) Close() error {
	return t.handler.Close()
}

func (t *RTUTransport) ReadCoils(address, quantity uint16) ([]bool, error) {
	raw, err := t.client.ReadCoils(address, quantity)
	if err != nil {
		return nil, fmt.Errorf("read coils @%d: %w", address, err)
	}
	return unpackBits(raw, quantity), nil
}

func (t *RTUTransport) WriteCoil(address uint16, on bool) error {
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	if _, err := t.client.WriteSingleCoil(address, value); err != nil {
		return fmt.Errorf("write coil @%d: %w", address, err)
	}
	return nil
}

func (t *RTUTransport) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	raw, err := t.client.ReadInputRegisters(address, quantity)
	if err != nil {
		return nil, fmt.Errorf("read input registers @%d: %w", address, err)
	}
	return unpackRegisters(raw, quantity)
}

func (t *RTUTransport) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	raw, err := t.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, fmt.Errorf("read holding registers @%d: %w", address, err)
	}
	return unpackRegisters(raw, quantity)
}

func (t *RTUTransport) WriteRegister(address, value uint16) error {
	if _, err := t.client.WriteSingleRegister(address, value); err != nil {
		return fmt.Errorf("write register @%d: %w", address, err)
	}
	return nil
}

// unpackBits expands a Modbus coil payload, LSB first within each byte.
func unpackBits(data []byte, quantity uint16) []bool {
	out := make([]bool, quantity)
	for i := range out {
		byteIdx := i / 8
		if byteIdx >= len(data) {
			break
		}
		out[i] = data[byteIdx]&(1<<(uint(i)%8)) != 0
	}
	return out
}

// unpackRegisters decodes big-endian 16-bit register payloads.
func unpackRegisters(data []byte, quantity uint16) ([]uint16, error) {
	if len(data) < int(quantity)*2 {
		return nil, fmt.Errorf("short register payload: want %d bytes, got %d", quantity*2, len(data))
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return out, nil
}
