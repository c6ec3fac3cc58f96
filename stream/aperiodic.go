package stream

import (
	"encoding/binary"
	"fmt"

	"github.com/klvtelemetry/writer/errs"
	"github.com/klvtelemetry/writer/klv"
	"github.com/klvtelemetry/writer/ktype"
)

// AperiodicBegin implements spec §4.G: it plants a TICK and a TOCK, both
// equal to the current platform tick, into the aperiodic region, and opens
// a session under key (the key the eventual flushed nest will carry).
func (s *Stream) AperiodicBegin(key klv.FourCC) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.ErrDevice
	}

	tick := uint32(s.tickNow())
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, tick)

	tickRec := klv.Pack(klv.Header{Key: klv.KeyTICK, Type: ktype.UnsignedLong, ElementSize: 4, Count: 1}, data)
	tockRec := klv.Pack(klv.Header{Key: klv.KeyTOCK, Type: ktype.UnsignedLong, ElementSize: 4, Count: 1}, append([]byte(nil), data...))

	if err := s.Append(tickRec, 1, FlagAperiodic|FlagDontCount|FlagLocked, 0); err != nil {
		return err
	}

	if err := s.Append(tockRec, 1, FlagAperiodic|FlagDontCount|FlagLocked, 0); err != nil {
		return err
	}

	s.aperiodicOpen = true
	s.aperiodicKey = key

	return nil
}

// AperiodicStore routes one already-formatted KLV record into the open
// aperiodic session's region.
func (s *Stream) AperiodicStore(formatted []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.ErrDevice
	}

	if !s.aperiodicOpen {
		return fmt.Errorf("%w: no aperiodic session open on this stream", errs.ErrNotStarted)
	}

	return s.Append(formatted, 1, FlagAperiodic|FlagDontCount|FlagLocked, 0)
}

// AperiodicEnd implements the close half of spec §4.G: it refreshes TOCK to
// the current tick, then commits the entire aperiodic region as a single
// nest-typed record under key into the payload region, and clears the
// aperiodic region for reuse.
func (s *Stream) AperiodicEnd(key klv.FourCC) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.ErrDevice
	}

	if !s.aperiodicOpen || s.aperiodicKey != key {
		return fmt.Errorf("%w: no matching aperiodic session open for key %s", errs.ErrNotStarted, key)
	}

	region := &s.buf.Aperiodic
	region.Reseek()

	if pos, h, ok := locateMatch(region.Live(), klv.KeyTOCK); ok {
		tick := uint32(s.tickNow())
		data := make([]byte, 4)
		binary.BigEndian.PutUint32(data, tick)

		dataStart := pos + klv.HeaderSize
		copy(region.buf[dataStart:dataStart+h.DataLen()], data)
	}

	nestData := append([]byte(nil), region.Live()...)
	if len(nestData) > 0xFFFF {
		return fmt.Errorf("%w: aperiodic session too large to nest in a single record", errs.ErrMemory)
	}

	nest := klv.Pack(klv.Header{Key: key, Type: ktype.Nest, ElementSize: 1, Count: uint16(len(nestData))}, nestData)

	if err := s.Append(nest, 1, FlagLocked|aperiodicPayloadMarker, 0); err != nil {
		return err
	}

	region.Reset()
	s.aperiodicOpen = false

	return nil
}
