// Package modbustest provides an in-memory Transport for exercising device
// logic without serial hardware.
package modbustest

import (
	"fmt"
	"sync"
)

type CoilWrite struct {
	Address uint16
	On      bool
}

type RegisterWrite struct {
	Address uint16
	Value   uint16
}

// Fake is a scriptable Modbus slave. Coils and registers are plain maps;
// tests preload them and inspect the write logs. OnCoilWrite lets a test
// model firmware side effects, like a move command updating the position
// registers once the command-ready coil latches.
type Fake struct {
	mu sync.Mutex

	Coils   map[uint16]bool
	Holding map[uint16]uint16
	Input   map[uint16]uint16

	CoilWrites     []CoilWrite
	RegisterWrites []RegisterWrite

	ConnectErr     error
	FailNextReads  int
	FailNextWrites int

	OnCoilWrite func(address uint16, on bool)

	connected  bool
	inputReads int
}

// InputReads reports how many input-register reads the fake has served.
func (f *Fake) InputReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputReads
}

func New() *Fake {
	return &Fake{
		Coils:   map[uint16]bool{},
		Holding: map[uint16]uint16{},
		Input:   map[uint16]uint16{},
	}
}

func (f *Fake) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected = true
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Fake) ReadCoils(address, quantity uint16) ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNextReads > 0 {
		f.FailNextReads--
		return nil, fmt.Errorf("injected read failure")
	}
	out := make([]bool, quantity)
	for i := range out {
		out[i] = f.Coils[address+uint16(i)]
	}
	return out, nil
}

func (f *Fake) WriteCoil(address uint16, on bool) error {
	f.mu.Lock()
	if f.FailNextWrites > 0 {
		f.FailNextWrites--
		f.mu.Unlock()
		return fmt.Errorf("injected write failure")
	}
	f.Coils[address] = on
	f.CoilWrites = append(f.CoilWrites, CoilWrite{Address: address, On: on})
	hook := f.OnCoilWrite
	f.mu.Unlock()
	if hook != nil {
		hook(address, on)
	}
	return nil
}

func (f *Fake) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputReads++
	if f.FailNextReads > 0 {
		f.FailNextReads--
		return nil, fmt.Errorf("injected read failure")
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = f.Input[address+uint16(i)]
	}
	return out, nil
}

func (f *Fake) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNextReads > 0 {
		f.FailNextReads--
		return nil, fmt.Errorf("injected read failure")
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = f.Holding[address+uint16(i)]
	}
	return out, nil
}

func (f *Fake) WriteRegister(address, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNextWrites > 0 {
		f.FailNextWrites--
		return fmt.Errorf("injected write failure")
	}
	f.Holding[address] = value
	f.RegisterWrites = append(f.RegisterWrites, RegisterWrite{Address: address, Value: value})
	return nil
}

// SetHoldingPair stores a signed 32-bit value across two registers, high
// word first.
func (f *Fake) SetHoldingPair(highAddr uint16, v int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Holding[highAddr] = uint16(uint32(v) >> 16)
	f.Holding[highAddr+1] = uint16(uint32(v) & 0xFFFF)
}

// HoldingPair reads a signed 32-bit value from two registers.
func (f *Fake) HoldingPair(highAddr uint16) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int32(int16(f.Holding[highAddr]))<<16 | int32(f.Holding[highAddr+1])
}
