package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// SenderType is the role a peer announces in its identity record.
type SenderType uint32

const (
	SenderUnknown SenderType = iota
	SenderVM
	SenderDispatcher
	SenderClient
	SenderIOClient
	SenderFileTransfer
	SenderPTAgent
	SenderPTClient
	SenderProxyManager
	SenderIOCtClient
)

func (s SenderType) String() string {
	switch s {
	case SenderVM:
		return "vm"
	case SenderDispatcher:
		return "dispatcher"
	case SenderClient:
		return "client"
	case SenderIOClient:
		return "io-client"
	case SenderFileTransfer:
		return "file-transfer"
	case SenderPTAgent:
		return "pt-agent"
	case SenderPTClient:
		return "pt-client"
	case SenderProxyManager:
		return "proxy-manager"
	case SenderIOCtClient:
		return "ioct-client"
	case SenderUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("sender(%d)", uint32(s))
	}
}

// ParseSenderType accepts the names printed by String.
func ParseSenderType(name string) (SenderType, error) {
	for s := SenderVM; s <= SenderIOCtClient; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return SenderUnknown, fmt.Errorf("protocol: unknown sender type %q", name)
}

// Management package types. Which of them reach application handlers
// depends on the endpoint role.
const (
	MngStartTrafficReport     uint32 = 3
	MngStopTrafficReport      uint32 = 4
	MngTrafficReport          uint32 = 5
	MngTimeSync               uint32 = 6
	MngAttachClient           uint32 = 7
	MngDetachClientRequest    uint32 = 8
	MngDetachClientResponse   uint32 = 9
	MngHeartBeat              uint32 = 10
	MngDetachBothSidesRequest uint32 = 11
)

// Identity is the handshake header describing one side of a connection.
type Identity struct {
	SenderType   SenderType
	ConnectionID uuid.UUID
}

func (i Identity) String() string {
	return fmt.Sprintf("%s/%s", i.SenderType, i.ConnectionID)
}
