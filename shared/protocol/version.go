package protocol

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ProtocolVersion is bumped on every incompatible change to the wire format.
const ProtocolVersion uint16 = 1

// ID fingerprints the wire protocol: the protocol version plus every
// registered kind and its name. Peers built with different component tables
// produce different ids and are refused at join.
func (r *Registry) ID() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString("netsync/")
	_, _ = d.WriteString(strconv.Itoa(int(ProtocolVersion)))
	for _, k := range r.Kinds() {
		_, _ = d.WriteString(";")
		_, _ = d.WriteString(strconv.Itoa(int(k)))
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(r.funcs[k].Name)
		for _, linked := range r.Group(k) {
			_, _ = d.WriteString("+")
			_, _ = d.WriteString(strconv.Itoa(int(linked)))
		}
	}
	return d.Sum64()
}
