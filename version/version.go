package version

import (
	"fmt"
	"runtime"
)

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = NodeSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// NodeSemVer is the semantic version of the netnode software.
	NodeSemVer = "0.4.0"

	// ProtocolVersion versions the peer-to-peer message set and handshake.
	// Peers announcing a different major protocol are rejected.
	ProtocolVersion uint32 = 0x0106
)

// ProtocolMajor returns the major part of a protocol version.
func ProtocolMajor(v uint32) uint32 { return v >> 8 }

// UserAgent is the string announced to peers in the hello message.
func UserAgent() string {
	return fmt.Sprintf("netnode/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
