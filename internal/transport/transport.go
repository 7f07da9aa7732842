// Package transport abstracts the field bus. The core driver only ever
// speaks read-registers / write-register(s); framing, CRC and half-duplex
// timing belong to the implementation behind this interface.
package transport

// Transport is one slave's register-level view of the bus. Implementations
// must serialize calls so a send+response round trip is atomic with respect
// to any concurrent caller.
type Transport interface {
	ReadRegisters(addr, quantity uint16) ([]uint16, error)
	WriteRegister(addr, value uint16) error
	WriteRegisters(addr uint16, values []uint16) error
	Close() error
}

// ResponseKind tags which transaction produced a Response.
type ResponseKind uint8

const (
	KindReadRegisters ResponseKind = iota
	KindWriteSingle
	KindWriteMultiple
)

// Response is one successful bus reply, handed from the transaction path
// into the controller's dispatch queue for decoding.
type Response struct {
	Kind    ResponseKind
	Address uint16
	Values  []uint16 // register payload for reads, echoed value(s) for writes
}
