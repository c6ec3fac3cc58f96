// Package gpmf implements the external-GPMF re-multiplex path (spec
// §4.F): a producer may hand the writer a blob that is itself a fully
// formed DEVC/STRM tree (for example, the payload previously returned by
// GetPayload on another device) instead of building samples one Append at
// a time. Remux walks that tree and redispatches each STRM's samples into
// a synthetic sub-stream routed through the workspace's 4-slot table.
//
// Grounded on the teacher's blob.NumericDecoder/TextDecoder walk-the-
// index-then-payload pattern (blob/numeric_decoder.go), adapted from
// "index plus columnar payload" to "walk a nested KLV tree".
package gpmf

import (
	"fmt"

	"github.com/klvtelemetry/writer/errs"
	"github.com/klvtelemetry/writer/klv"
	"github.com/klvtelemetry/writer/registry"
	"github.com/klvtelemetry/writer/stream"
)

// PreformattedDeviceID marks a Store call whose data is itself a complete
// DEVC/STRM tree to be re-multiplexed rather than a single sample,
// matching GPMF_DEVICE_ID_PREFORMATTED in the original writer.
const PreformattedDeviceID uint32 = 0xFFFFFFFF

// quarterSlabs is the number of equal slices the parent stream's payload
// buffer is cut into for synthetic sub-streams, per spec §4.F.
const quarterSlabs = 4

// Remux parses tree (a fully formed DEVC/STRM blob) and redispatches each
// STRM it contains into a synthetic sub-stream obtained from w's routing
// table, scoped to ch. The slab backing each synthetic sub-stream's buffer
// comes from parentPayload, split into quarterSlabs equal pieces; callers
// are expected to pass the parent stream's payload region so the synthetic
// streams outlive individual Remux calls but not the parent stream itself.
func Remux(w *registry.Workspace, ch stream.Channel, tree []byte, parentPayload []byte) error {
	slabs, err := splitSlabs(ch, parentPayload)
	if err != nil {
		return err
	}

	pos := 0
	for pos < len(tree) {
		h, err := klv.ParseHeader(tree[pos:])
		if err != nil {
			return fmt.Errorf("%w: malformed preformatted tree", errs.ErrStructure)
		}

		if h.Key == klv.EndMarker {
			break
		}

		total := h.TotalLen()
		if pos+total > len(tree) {
			return fmt.Errorf("%w: truncated preformatted record", errs.ErrStructure)
		}

		if h.Key == klv.KeyDEVC {
			if err := remuxDevice(w, ch, tree[pos+klv.HeaderSize:pos+klv.HeaderSize+h.DataLen()], slabs); err != nil {
				return err
			}
		}

		pos += total
	}

	return nil
}

func splitSlabs(ch stream.Channel, parentPayload []byte) ([][]byte, error) {
	if len(parentPayload) < quarterSlabs*stream.MinBufferSize(ch) {
		return nil, fmt.Errorf("%w: parent payload too small to slice into %d slabs", errs.ErrMemory, quarterSlabs)
	}

	slabSize := len(parentPayload) / quarterSlabs
	slabs := make([][]byte, quarterSlabs)
	for i := range slabs {
		slabs[i] = parentPayload[i*slabSize : (i+1)*slabSize]
	}

	return slabs, nil
}

// remuxDevice reads DVID/DVNM from a DEVC's children, then redispatches
// each STRM child via routeAndReplay.
func remuxDevice(w *registry.Workspace, ch stream.Channel, devcData []byte, slabs [][]byte) error {
	var deviceID uint32
	var deviceName string

	pos := 0
	for pos < len(devcData) {
		h, err := klv.ParseHeader(devcData[pos:])
		if err != nil {
			return fmt.Errorf("%w: malformed DEVC body", errs.ErrStructure)
		}

		if h.Key == klv.EndMarker {
			break
		}

		body := devcData[pos+klv.HeaderSize : pos+klv.HeaderSize+h.DataLen()]

		switch h.Key {
		case klv.KeyDVID:
			deviceID = decodeDVID(body)
		case klv.KeyDVNM:
			deviceName = string(body)
		case klv.KeySTRM:
			if err := routeAndReplay(w, ch, deviceID, deviceName, body, slabs); err != nil {
				return err
			}
		}

		pos += h.TotalLen()
	}

	return nil
}

func decodeDVID(body []byte) uint32 {
	var v uint32
	for _, b := range body {
		v = v<<8 | uint32(b)
	}

	return v
}

// routeAndReplay derives the routing slot for (deviceID, first FourCC of
// the STRM's main data group), opens (or reuses) the synthetic sub-stream
// for that slot, and replays every child KLV of strmData into it: sticky
// for every child except the last ("main data group"), which is
// non-sticky. TSMP and EMPT children are dropped; they are re-synthesized
// on drain.
func routeAndReplay(w *registry.Workspace, ch stream.Channel, deviceID uint32, deviceName string, strmData []byte, slabs [][]byte) error {
	children := splitChildren(strmData)

	replay := filterReplayable(children)
	if len(replay) == 0 {
		return nil
	}

	mainKey := replay[len(replay)-1].Key

	w.Lock(ch)
	defer w.Unlock(ch)

	sub, err := w.RouteSlot(ch, deviceID, mainKey, func(slotIndex int) (*stream.Stream, error) {
		if slotIndex >= len(slabs) {
			return nil, fmt.Errorf("%w: no free slab for synthetic sub-stream", errs.ErrMemory)
		}

		return stream.Open(ch, deviceID, deviceName, stream.WithBuffer(slabs[slotIndex]), stream.AsPreformatted())
	})
	if err != nil {
		return err
	}

	for i, rec := range replay {
		var flags stream.Flag
		if i != len(replay)-1 {
			flags = stream.FlagSticky
		}

		if err := sub.Append(rec.raw, int(rec.Count), flags, 0); err != nil {
			return err
		}
	}

	return nil
}

type childRecord struct {
	klv.Header
	raw []byte
}

func splitChildren(data []byte) []childRecord {
	var out []childRecord

	pos := 0
	for pos < len(data) {
		h, err := klv.ParseHeader(data[pos:])
		if err != nil || h.Key == klv.EndMarker {
			break
		}

		total := h.TotalLen()
		if pos+total > len(data) {
			break
		}

		out = append(out, childRecord{Header: h, raw: data[pos : pos+total]})
		pos += total
	}

	return out
}

// filterReplayable drops TSMP and EMPT children, which the drain path
// re-synthesizes rather than carries through.
func filterReplayable(children []childRecord) []childRecord {
	out := children[:0:0]
	for _, c := range children {
		if c.Key == klv.KeyTSMP || c.Key == klv.KeyEMPT {
			continue
		}

		out = append(out, c)
	}

	return out
}
