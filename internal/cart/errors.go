package cart

import "fmt"

// UnsupportedMapperError is returned by NewCartridge when the header's
// cartridge-type byte names a mapper this core does not implement. The
// session should not start; ParseHeader still succeeds so the caller can log
// what was rejected.
type UnsupportedMapperError struct {
	Code byte
}

func (e *UnsupportedMapperError) Error() string {
	return fmt.Sprintf("unsupported mapper: cart type %#02x", e.Code)
}

// BadCartridgeError describes a Nintendo logo or header checksum mismatch.
// ParseHeader has no strict mode and does not return it: it checks neither
// the logo nor the checksum (HeaderChecksumOK reports the checksum).
type BadCartridgeError struct {
	Reason string
}

func (e *BadCartridgeError) Error() string {
	return fmt.Sprintf("bad cartridge: %s", e.Reason)
}
