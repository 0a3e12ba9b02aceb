package tracker

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// Command names understood by the tracker.
const (
	CommandRegister      = "REGISTER"
	CommandGetPeers      = "GET_PEERS"
	CommandUpdateBlocks  = "UPDATE_BLOCKS"
	CommandRemove        = "REMOVE"
	statusOK             = "ok"
	statusFail           = "fail"
	statusError          = "error"
	unknownCommandNotice = "Comando desconhecido"
)

// Address is the wire representation of a peer's reachable endpoint,
// encoded as the two-element JSON array [ip, port] per the specification.
type Address struct {
	IP   string
	Port int
}

// MarshalJSON encodes Address as [ip, port].
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{a.IP, a.Port})
}

// UnmarshalJSON decodes [ip, port] into Address.
func (a *Address) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.Wrap(err, "tracker: invalid address")
	}

	var ip string
	if err := json.Unmarshal(raw[0], &ip); err != nil {
		return errors.Wrap(err, "tracker: invalid address ip")
	}

	var port int
	if err := json.Unmarshal(raw[1], &port); err != nil {
		var portStr string
		if err2 := json.Unmarshal(raw[1], &portStr); err2 != nil {
			return errors.Wrap(err, "tracker: invalid address port")
		}
		p, err2 := strconv.Atoi(portStr)
		if err2 != nil {
			return errors.Wrap(err2, "tracker: invalid address port")
		}
		port = p
	}

	a.IP, a.Port = ip, port
	return nil
}

// request is the envelope for every tracker RPC.
type request struct {
	Command  string   `json:"command"`
	PeerID   string   `json:"peer_id,omitempty"`
	FileName string   `json:"file_name,omitempty"`
	Address  *Address `json:"address,omitempty"`
	Blocks   []string `json:"blocks,omitempty"`
}

// PeerInfo describes one swarm member as returned by GET_PEERS.
type PeerInfo struct {
	PeerID  string   `json:"peer_id"`
	Address Address  `json:"address"`
	Blocks  []string `json:"blocks"`
}

// response is the envelope for every tracker reply.
type response struct {
	Status  string     `json:"status"`
	Message string     `json:"message,omitempty"`
	Peers   []PeerInfo `json:"peers,omitempty"`
}
