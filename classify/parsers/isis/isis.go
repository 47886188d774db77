// Package isis implements the ISIS classifier from spec.md §4.6 and
// §4.4 step 1: ethertype 0x83 frames all share the constant aggregate
// session-id {1, 0x83}; byte 21 of the frame carries the PDU type.
// Grounded on original_source/capture/isis.c's PDU-type table.
package isis

import (
	"github.com/netcapd/netcapd/field"
	"github.com/netcapd/netcapd/session"
)

var fPDUType = field.Register("isis.pdutype", field.StrHash, 0)

// pduTypeNames maps the ISIS PDU type byte to its name, per spec.md
// §4.6: "{15,16,17,18,20,24,25,26,27} -> {lan-l1-hello, lan-l2-hello,
// p2p-hello, l1-lsp, l2-lsp, l1-csnp, l2-csnp, l1-psnp, l2-psnp}".
var pduTypeNames = map[byte]string{
	15: "lan-l1-hello",
	16: "lan-l2-hello",
	17: "p2p-hello",
	18: "l1-lsp",
	20: "l2-lsp",
	24: "l1-csnp",
	25: "l2-csnp",
	26: "l1-psnp",
	27: "l2-psnp",
}

const pduTypeOffset = 21

// Classify tags the ISIS aggregate session with the frame's PDU type
// name, if recognized. It is invoked directly by ingress (spec.md §4.4
// step 1), not through classify.Registry, since ISIS frames are
// dispatched by ethertype rather than a TCP/UDP byte pattern.
func Classify(s *session.Session, frame []byte) {
	s.AddTag("protocol:isis")
	if len(frame) <= pduTypeOffset {
		return
	}
	if name, ok := pduTypeNames[frame[pduTypeOffset]]; ok {
		s.Fields.AddString(fPDUType, name)
	}
}
