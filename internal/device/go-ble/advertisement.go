package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/companiond/internal/device"
)

// sighting is a copy of an advertisement report taken in the scan callback.
// The HCI backend reuses report buffers, so listeners running later (presence
// tracking, broadcast decoding) must not hold on to ble.Advertisement.
type sighting struct {
	addr        string
	name        string
	mfData      []byte
	services    []string
	rssi        int
	connectable bool
}

func newSighting(adv ble.Advertisement) device.Advertisement {
	s := &sighting{
		addr:        device.NormalizeAddress(adv.Addr().String()),
		name:        adv.LocalName(),
		rssi:        adv.RSSI(),
		connectable: adv.Connectable(),
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		s.mfData = append([]byte(nil), md...)
	}
	for _, u := range adv.Services() {
		s.services = append(s.services, device.NormalizeUUID(u.String()))
	}
	return s
}

func (s *sighting) Addr() string             { return s.addr }
func (s *sighting) LocalName() string        { return s.name }
func (s *sighting) ManufacturerData() []byte { return s.mfData }
func (s *sighting) Services() []string       { return s.services }
func (s *sighting) RSSI() int                { return s.rssi }
func (s *sighting) Connectable() bool        { return s.connectable }
