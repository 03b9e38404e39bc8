package main

import (
	"github.com/go-ble/ble"
	"github.com/srg/attkit/pkg/att"
)

// demoAttribute is one attribute of the table the loopback peer exposes.
type demoAttribute struct {
	name  string
	uuid  ble.UUID
	flags att.Flags
	value *att.Value
}

func demoAttributes() []demoAttribute {
	return []demoAttribute{
		{"Device Name", ble.UUID16(0x2a00), att.FlagRead, att.NewValue([]byte("attctl peer"))},
		{"Alert Level", ble.UUID16(0x2a06), att.FlagWrite, att.NewValue([]byte{0})},
		{"UART RX", ble.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e"), att.FlagReadWrite, att.NewValue(nil)},
		{"Secure Config", ble.MustParse("6e400010-b5a3-f393-e0a9-e50e24dcca9e"), att.FlagReadWrite | att.FlagEncryptionRequired, att.NewValue(nil)},
	}
}

// registerDemo registers the demo attributes on s in order and returns them
// keyed by handle.
func registerDemo(s *att.Stack) (map[uint16]demoAttribute, error) {
	byHandle := make(map[uint16]demoAttribute)
	for _, a := range demoAttributes() {
		h, err := s.RegisterAttribute(a.uuid, a.flags, a.value)
		if err != nil {
			return nil, err
		}
		byHandle[h] = a
	}
	return byHandle, nil
}
