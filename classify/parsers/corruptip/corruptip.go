// Package corruptip is the debugging stub parser from spec.md §9's open
// question: "The corruptIp parser is a debugging stub; correctness is
// not required beyond its packet-enqueue contract." Grounded on
// original_source/capture/corruptip.c, which exists purely to let test
// harnesses push malformed IP packets through the ordinary session path
// without a real protocol behind them.
package corruptip

import (
	"github.com/netcapd/netcapd/field"
	"github.com/netcapd/netcapd/session"
)

var fCount = field.Register("corruptip.count", field.Int, field.NODB)

// Enqueue records that a corrupt-IP packet reached the session path; it
// deliberately does no further interpretation of the bytes.
func Enqueue(s *session.Session, data []byte) {
	s.AddTag("corruptip")
	s.Fields.AddInt(fCount, int64(len(data)))
}
