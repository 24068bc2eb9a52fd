package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"

	"github.com/holesch/not-my-board/internal/apperr"
	"github.com/holesch/not-my-board/internal/config"
	"github.com/holesch/not-my-board/internal/jsonrpc"
	"github.com/holesch/not-my-board/internal/logger"
)

// RPCServer exposes Agent's reserve/attach/detach/return/update/list/
// status/get_import_description operations over a Unix domain socket,
// the surface the local CLI drives (spec.md §4.6).
type RPCServer struct {
	agent    *Agent
	listener net.Listener
	log      *zerolog.Logger
}

// NewRPCServer binds socketPath, removing a stale socket file left
// behind by a prior, uncleanly terminated run.
func NewRPCServer(agent *Agent, socketPath string) (*RPCServer, error) {
	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	return &RPCServer{agent: agent, listener: listener, log: logger.Agent()}, nil
}

// Serve accepts connections until ctx is cancelled, handling each on its
// own JSON-RPC channel.
func (s *RPCServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *RPCServer) handleConn(ctx context.Context, conn net.Conn) {
	channel := jsonrpc.New(ctx, newSockConn(conn))
	s.registerMethods(channel)
	if err := channel.Serve(ctx); err != nil {
		s.log.Debug().Err(err).Msg("local rpc connection closed")
	}
}

func (s *RPCServer) registerMethods(ch *jsonrpc.Channel) {
	ch.Register("reserve", s.handleReserve)
	ch.Register("return_reservation", s.handleReturnReservation)
	ch.Register("attach", s.handleAttach)
	ch.Register("detach", s.handleDetach)
	ch.Register("list", s.handleList)
	ch.Register("status", s.handleStatus)
	ch.Register("get_import_description", s.handleGetImportDescription)
	ch.Register("update_import_description", s.handleUpdateImportDescription)
}

type reserveParams struct {
	Name       string `json:"name"`
	ImportTOML string `json:"import_toml"`
}

func (s *RPCServer) handleReserve(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p reserveParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.InvalidRequest(err.Error())
	}
	desc, err := config.ParseImportDescription([]byte(p.ImportTOML))
	if err != nil {
		return nil, apperr.InvalidRequest(err.Error())
	}
	if err := s.agent.Reserve(ctx, p.Name, desc, p.ImportTOML); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

type returnReservationParams struct {
	Name  string `json:"name"`
	Force bool   `json:"force"`
}

func (s *RPCServer) handleReturnReservation(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p returnReservationParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.InvalidRequest(err.Error())
	}
	if err := s.agent.Return(ctx, p.Name, p.Force); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

type nameParams struct {
	Name string `json:"name"`
}

func (s *RPCServer) handleAttach(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p nameParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.InvalidRequest(err.Error())
	}
	if err := s.agent.Attach(ctx, p.Name); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

func (s *RPCServer) handleDetach(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p nameParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.InvalidRequest(err.Error())
	}
	if err := s.agent.Detach(ctx, p.Name); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

func (s *RPCServer) handleList(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"names": s.agent.List()}, nil
}

func (s *RPCServer) handleStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"reservations": s.agent.Status()}, nil
}

func (s *RPCServer) handleGetImportDescription(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p nameParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.InvalidRequest(err.Error())
	}
	toml, err := s.agent.GetImportDescription(p.Name)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"toml": toml}, nil
}

type updateImportDescriptionParams struct {
	Name string `json:"name"`
	TOML string `json:"toml"`
}

func (s *RPCServer) handleUpdateImportDescription(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p updateImportDescriptionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.InvalidRequest(err.Error())
	}
	desc, err := config.ParseImportDescription([]byte(p.TOML))
	if err != nil {
		return nil, apperr.InvalidRequest(err.Error())
	}
	if err := s.agent.Update(ctx, p.Name, desc, p.TOML); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}
