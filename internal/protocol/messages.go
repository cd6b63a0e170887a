// Package protocol defines the pairing protocol frames exchanged between
// master and slave link managers, the cryptographic envelope applied to every
// frame and the replay protection for inbound traffic.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame verbs
const (
	VerbBroadcast   = "broadcast"
	VerbPair        = "pair"
	VerbConnect     = "connect"
	VerbDisconnect  = "disconnect"
	VerbReconfigure = "reconfigure"
	VerbStatus      = "status"
)

// Exchange directions
const (
	DirRequest  = "request"
	DirResponse = "response"
)

// Exchange carries the request or response payload of a verb.
type Exchange struct {
	Request  json.RawMessage `json:"request,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// Frame is one pairing protocol message. Exactly one verb field is set.
type Frame struct {
	Timestamp   int64  `json:"timestamp"`
	Seq         int64  `json:"seq"`
	MachineName string `json:"machine_name"`
	Port        uint16 `json:"port,omitempty"`
	PublicKey   string `json:"public_key,omitempty"`
	Signature   string `json:"signature,omitempty"`

	Broadcast   *Exchange `json:"broadcast,omitempty"`
	Pair        *Exchange `json:"pair,omitempty"`
	Connect     *Exchange `json:"connect,omitempty"`
	Disconnect  *Exchange `json:"disconnect,omitempty"`
	Reconfigure *Exchange `json:"reconfigure,omitempty"`
	Status      *Exchange `json:"status,omitempty"`
}

// NewFrame builds a frame for the given verb and direction. The payload is
// marshalled into the request or response slot.
func NewFrame(verb, dir, machineName string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", verb, err)
	}

	ex := &Exchange{}
	switch dir {
	case DirRequest:
		ex.Request = raw
	case DirResponse:
		ex.Response = raw
	default:
		return nil, fmt.Errorf("unknown direction %q", dir)
	}

	f := &Frame{
		Timestamp:   time.Now().UnixMilli(),
		MachineName: machineName,
	}
	switch verb {
	case VerbBroadcast:
		f.Broadcast = ex
	case VerbPair:
		f.Pair = ex
	case VerbConnect:
		f.Connect = ex
	case VerbDisconnect:
		f.Disconnect = ex
	case VerbReconfigure:
		f.Reconfigure = ex
	case VerbStatus:
		f.Status = ex
	default:
		return nil, fmt.Errorf("unknown verb %q", verb)
	}
	return f, nil
}

// Verb returns the verb name and exchange of the frame, or an error when no
// verb or more than one verb is present.
func (f *Frame) Verb() (string, *Exchange, error) {
	var verb string
	var ex *Exchange
	for _, candidate := range []struct {
		name string
		ex   *Exchange
	}{
		{VerbBroadcast, f.Broadcast},
		{VerbPair, f.Pair},
		{VerbConnect, f.Connect},
		{VerbDisconnect, f.Disconnect},
		{VerbReconfigure, f.Reconfigure},
		{VerbStatus, f.Status},
	} {
		if candidate.ex == nil {
			continue
		}
		if ex != nil {
			return "", nil, fmt.Errorf("frame carries both %s and %s", verb, candidate.name)
		}
		verb = candidate.name
		ex = candidate.ex
	}
	if ex == nil {
		return "", nil, fmt.Errorf("frame carries no verb")
	}
	return verb, ex, nil
}

// DriverInfo describes one driver instance as announced in broadcasts and
// connect responses.
type DriverInfo struct {
	Name              string `json:"name"`
	Instance          string `json:"instance"`
	IP                string `json:"ip,omitempty"`
	VLAN              string `json:"vlan,omitempty"`
	MavlinkPort       uint16 `json:"mavlink_port,omitempty"`
	DownloadBandwidth int    `json:"download_bandwidth,omitempty"`
	StreamingPriority int    `json:"streaming_priority,omitempty"`
	Simplified        bool   `json:"simplified,omitempty"`
}

// BroadcastPayload announces the sender and how to reach it.
type BroadcastPayload struct {
	Drivers []DriverInfo `json:"drivers"`
}

// InstanceParams carries one driver instance's parameter section.
type InstanceParams struct {
	Instance string            `json:"instance"`
	Params   map[string]string `json:"params,omitempty"`
}

// PairRequest initiates pairing. The requesting master's public key travels
// in the frame itself.
type PairRequest struct {
	Password string           `json:"password,omitempty"`
	Drivers  []InstanceParams `json:"drivers,omitempty"`
}

// PairResponse accepts or rejects a pairing request. The responding slave's
// public key travels in the frame itself.
type PairResponse struct {
	Accepted bool             `json:"accepted"`
	Drivers  []InstanceParams `json:"drivers,omitempty"`
}

// ConnectRequest starts a link with the agreed connection parameters.
type ConnectRequest struct {
	Drivers []InstanceParams `json:"drivers"`
}

// ConnectResponse confirms the link with the slave's per-instance endpoints.
type ConnectResponse struct {
	Drivers []DriverInfo `json:"drivers"`
}

// ReconfigurePayload carries a delta of connection parameters per instance.
type ReconfigurePayload struct {
	Drivers []InstanceParams `json:"drivers"`
}

// StatusPayload is the periodic heartbeat: the driver instances the sender
// currently considers alive.
type StatusPayload struct {
	Instances []string `json:"instances"`
}
