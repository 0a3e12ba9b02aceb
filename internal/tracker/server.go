package tracker

import (
	"context"
	"log/slog"
	"net"

	"github.com/minibit/minibit/internal/frame"
	"golang.org/x/sync/errgroup"
)

// Server accepts tracker connections and answers exactly one request per
// connection before closing it.
type Server struct {
	log *slog.Logger
	reg *Registry
}

// NewServer wires a Registry to a listening socket.
func NewServer(reg *Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log.With("component", "tracker-server"), reg: reg}
}

// ListenAndServe binds addr and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	s.log.Info("tracker listening", "addr", ln.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			go s.handleConn(conn)
		}
	})

	return g.Wait()
}

// handleConn reads exactly one request, answers it, and closes the
// connection — the tracker never keeps a session open across requests.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var req request
	if err := frame.ReadInto(conn, &req); err != nil {
		s.log.Warn("malformed tracker request", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	resp := s.dispatch(req)
	if err := frame.Write(conn, resp); err != nil {
		s.log.Warn("failed to write tracker response", "remote", conn.RemoteAddr(), "err", err)
		if req.PeerID != "" {
			s.reg.Remove(req.PeerID)
		}
	}
}

func (s *Server) dispatch(req request) response {
	switch req.Command {
	case CommandRegister:
		addr := Address{}
		if req.Address != nil {
			addr = *req.Address
		}
		s.reg.Register(req.FileName, req.PeerID, addr, req.Blocks)
		return response{Status: statusOK}

	case CommandGetPeers:
		peers := s.reg.GetPeers(req.FileName, req.PeerID)
		return response{Status: statusOK, Peers: peers}

	case CommandUpdateBlocks:
		if err := s.reg.UpdateBlocks(req.FileName, req.PeerID, req.Blocks); err != nil {
			return response{Status: statusError, Message: "Peer or file not found"}
		}
		return response{Status: statusOK}

	case CommandRemove:
		if s.reg.Remove(req.PeerID) {
			return response{Status: statusOK}
		}
		return response{Status: statusFail}

	default:
		return response{Status: statusError, Message: unknownCommandNotice}
	}
}
