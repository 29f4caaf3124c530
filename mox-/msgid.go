package mox

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// MessageIDGen returns a new unique Message-Id value, excluding <>. The
// localpart is a lower-cased ULID, so message ids of reports sort by time of
// generation.
func MessageIDGen(smtputf8 bool) string {
	return strings.ToLower(ulid.Make().String()) + "@" + Conf.Static.HostnameDomain.XName(smtputf8)
}
