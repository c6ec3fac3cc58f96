package klv

// FourCC is a four-byte printable-ASCII key identifying a KLV record.
type FourCC [4]byte

// NewFourCC builds a FourCC from a 4-character string. It panics if s is not
// exactly 4 bytes long — callers use it only with compile-time-constant
// literals (see the Key* vars below), never with producer-controlled input.
func NewFourCC(s string) FourCC {
	if len(s) != 4 {
		panic("klv: FourCC must be exactly 4 bytes: " + s)
	}

	return FourCC{s[0], s[1], s[2], s[3]}
}

// String returns the FourCC as a 4-character string.
func (f FourCC) String() string {
	return string(f[:])
}

// Valid reports whether f satisfies the wire-level FourCC rule from spec
// §4.B: every byte must be in the printable ASCII range, and the first byte
// must be alphabetic.
func (f FourCC) Valid() bool {
	first := f[0]
	if !((first >= 'A' && first <= 'Z') || (first >= 'a' && first <= 'z')) {
		return false
	}

	for _, b := range f {
		if b < 0x20 || b > 0x7e {
			return false
		}
	}

	return true
}

// IsZero reports whether f is the all-zero end-marker key.
func (f FourCC) IsZero() bool {
	return f == FourCC{}
}

// Well-known keys consumed or emitted by the writer, per spec §6.
var (
	KeyDEVC = NewFourCC("DEVC") // device nest
	KeyDVID = NewFourCC("DVID") // device ID
	KeyDVNM = NewFourCC("DVNM") // device name
	KeySTRM = NewFourCC("STRM") // stream nest
	KeySTMP = NewFourCC("STMP") // dejittered start timestamp
	KeySTPS = NewFourCC("STPS") // timestamp scale (microseconds per tick)
	KeyTICK = NewFourCC("TICK") // platform tick at start of aperiodic group / payload
	KeyTOCK = NewFourCC("TOCK") // platform tick at end of aperiodic group
	KeyTSMP = NewFourCC("TSMP") // total sample counter (sticky, accumulate)
	KeyEMPT = NewFourCC("EMPT") // empty-payloads counter (sticky, accumulate)
	KeyTYPE = NewFourCC("TYPE") // complex type descriptor
	KeySCAL = NewFourCC("SCAL") // scale factor
	KeySIUN = NewFourCC("SIUN") // SI units string
	KeyUNIT = NewFourCC("UNIT") // display units string
	KeyQUAN = NewFourCC("QUAN") // compression quantization factor
)
