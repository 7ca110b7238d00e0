package nexus

import (
	"fmt"
	"strings"
)

// ShareProtocol is the front end a nexus is exposed through. The values match
// the ones used on the wire by the control plane.
type ShareProtocol int32

// Share protocols
const (
	ShareNone  ShareProtocol = 0
	ShareNvmf  ShareProtocol = 1
	ShareIscsi ShareProtocol = 2
	ShareNbd   ShareProtocol = 3
)

var shareProtocolNames = map[ShareProtocol]string{
	ShareNone:  "none",
	ShareNvmf:  "nvmf",
	ShareIscsi: "iscsi",
	ShareNbd:   "nbd",
}

func (p ShareProtocol) String() string {
	if name, ok := shareProtocolNames[p]; ok {
		return name
	}
	return fmt.Sprintf("ShareProtocol(%d)", int32(p))
}

// ParseShareProtocol parses a protocol name as used in configuration files.
// The empty string is ShareNone.
func ParseShareProtocol(s string) (ShareProtocol, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ShareNone, nil
	}
	for p, name := range shareProtocolNames {
		if name == s {
			return p, nil
		}
	}
	return ShareNone, fmt.Errorf("unknown share protocol %q", s)
}

// validateFrontendProtocol accepts the protocols a nexus can be asked to share
// over and rejects everything else, keeping the raw value for diagnostics.
func validateFrontendProtocol(name string, p ShareProtocol) (ShareProtocol, error) {
	switch p {
	case ShareNvmf, ShareIscsi, ShareNbd:
		return p, nil
	default:
		return ShareNone, invalidShareProtocol(name, p)
	}
}
