// Package model contains the domain models of the notification service:
// subscriptions, published messages, delivery records, dead letters and
// durable queue messages.
package model

import (
	"fmt"
	"strings"
)

const tablePrefix = "notify_"

// Protocol identifies the kind of endpoint a subscription delivers to.
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolHTTPS     Protocol = "https"
	ProtocolEmail     Protocol = "email"
	ProtocolEmailJSON Protocol = "email-json"
	// ProtocolCQS is the internal durable queue.
	ProtocolCQS Protocol = "cqs"
	ProtocolSQS Protocol = "sqs"
)

// protocolInternalQueueAlias is accepted by ParseProtocol as a synonym of ProtocolCQS.
const protocolInternalQueueAlias = "internal-queue"

// protocolCodes are the wire codes used by the relay document.
var protocolCodes = map[Protocol]int{
	ProtocolHTTP:      0,
	ProtocolHTTPS:     1,
	ProtocolEmail:     2,
	ProtocolEmailJSON: 3,
	ProtocolCQS:       4,
	ProtocolSQS:       5,
}

// Protocols lists every supported protocol in wire code order.
func Protocols() []Protocol {
	return []Protocol{ProtocolHTTP, ProtocolHTTPS, ProtocolEmail, ProtocolEmailJSON, ProtocolCQS, ProtocolSQS}
}

// Code returns the relay wire code of the protocol, or -1 if it is unknown.
func (p Protocol) Code() int {
	code, ok := protocolCodes[p]
	if !ok {
		return -1
	}
	return code
}

// IsValid reports whether p is a supported protocol.
func (p Protocol) IsValid() bool {
	_, ok := protocolCodes[p]
	return ok
}

// IsQueue reports whether the protocol delivers into a durable queue.
func (p Protocol) IsQueue() bool {
	return p == ProtocolCQS || p == ProtocolSQS
}

func (p Protocol) String() string {
	return string(p)
}

// ProtocolFromCode maps a relay wire code back to its protocol.
func ProtocolFromCode(code int) (Protocol, error) {
	for p, c := range protocolCodes {
		if c == code {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown protocol code: %d", code)
}

// ParseProtocol parses a protocol name case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == protocolInternalQueueAlias {
		return ProtocolCQS, nil
	}
	p := Protocol(name)
	if !p.IsValid() {
		return "", fmt.Errorf("unknown protocol: %q", s)
	}
	return p, nil
}
