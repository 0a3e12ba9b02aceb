package tracker

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/minibit/minibit/internal/frame"
	"github.com/pkg/errors"
)

// ErrTrackerRequest wraps a response with status "error" or "fail".
var ErrTrackerRequest = errors.New("tracker: request failed")

// Client issues one-shot RPCs against a tracker server. Every call opens a
// fresh connection, sends a single request, reads a single response, and
// closes — the tracker never holds a session open across requests.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient targets the tracker at addr, bounding every RPC (connect + send
// + recv) to timeout.
func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) roundTrip(ctx context.Context, req request) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return response{}, errors.Wrap(err, "tracker: dial")
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := frame.Write(conn, req); err != nil {
		return response{}, errors.Wrap(err, "tracker: send request")
	}

	var resp response
	if err := frame.ReadInto(conn, &resp); err != nil {
		return response{}, errors.Wrap(err, "tracker: read response")
	}

	return resp, nil
}

func addrPortToAddress(ap netip.AddrPort) *Address {
	return &Address{IP: ap.Addr().String(), Port: int(ap.Port())}
}

// Register announces peerID's presence and current block set for
// fileName.
func (c *Client) Register(ctx context.Context, fileName, peerID string, addr netip.AddrPort, blocks []string) error {
	resp, err := c.roundTrip(ctx, request{
		Command:  CommandRegister,
		PeerID:   peerID,
		FileName: fileName,
		Address:  addrPortToAddress(addr),
		Blocks:   blocks,
	})
	if err != nil {
		return err
	}
	if resp.Status != statusOK {
		return errors.Wrap(ErrTrackerRequest, resp.Message)
	}
	return nil
}

// GetPeers fetches up to five other peers registered for fileName.
func (c *Client) GetPeers(ctx context.Context, fileName, peerID string) ([]PeerInfo, error) {
	resp, err := c.roundTrip(ctx, request{
		Command:  CommandGetPeers,
		PeerID:   peerID,
		FileName: fileName,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != statusOK {
		return nil, errors.Wrap(ErrTrackerRequest, resp.Message)
	}
	return resp.Peers, nil
}

// UpdateBlocks pushes a peer's refreshed block set to the tracker.
func (c *Client) UpdateBlocks(ctx context.Context, fileName, peerID string, blocks []string) error {
	resp, err := c.roundTrip(ctx, request{
		Command:  CommandUpdateBlocks,
		PeerID:   peerID,
		FileName: fileName,
		Blocks:   blocks,
	})
	if err != nil {
		return err
	}
	if resp.Status != statusOK {
		return errors.Wrap(ErrTrackerRequest, resp.Message)
	}
	return nil
}

// Remove asks the tracker to forget peerID.
func (c *Client) Remove(ctx context.Context, peerID string) error {
	resp, err := c.roundTrip(ctx, request{Command: CommandRemove, PeerID: peerID})
	if err != nil {
		return err
	}
	if resp.Status != statusOK {
		return errors.Wrap(ErrTrackerRequest, "tracker rejected remove")
	}
	return nil
}
