// Package tendermint runs the socket ABCI server Tendermint connects to and
// provides a JSON-RPC client for submitting ledger transactions to a node.
//
// The node runs as a separate process; mkl listens on the proxy address
// (tcp:// or unix://) and Tendermint dials in over the ABCI protocol.
package tendermint

import (
	"errors"
	"fmt"
	"os"
	"strings"

	abciserver "github.com/tendermint/tendermint/abci/server"
	abci "github.com/tendermint/tendermint/abci/types"
	"github.com/tendermint/tendermint/libs/service"
	"go.uber.org/zap"
)

// Config holds configuration for the ABCI server and Tendermint connection.
type Config struct {
	// TendermintHome is the node's data and config directory. Empty means
	// the node is managed outside mkl.
	TendermintHome string

	// SocketAddress is the proxy address, e.g. "tcp://127.0.0.1:26658" or
	// "unix://mkl.sock".
	SocketAddress string
}

// ABCIServer wraps a socket ABCI server.
type ABCIServer struct {
	server service.Service
	socket string
	logger *zap.Logger
}

// NewABCIServer creates the server. Call Start to begin listening.
func NewABCIServer(app abci.Application, config *Config, logger *zap.Logger) (*ABCIServer, error) {
	if app == nil {
		return nil, errors.New("ABCI application cannot be nil")
	}
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if config.SocketAddress == "" {
		return nil, errors.New("socket address cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ABCIServer{
		server: abciserver.NewSocketServer(config.SocketAddress, app),
		socket: config.SocketAddress,
		logger: logger,
	}, nil
}

func (s *ABCIServer) Start() error {
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("failed to start ABCI server: %w", err)
	}
	s.logger.Info("ABCI server listening", zap.String("addr", s.socket))
	return nil
}

// Stop shuts the server down and removes a unix socket file if one was used.
func (s *ABCIServer) Stop() error {
	if s.server.IsRunning() {
		if err := s.server.Stop(); err != nil {
			return fmt.Errorf("failed to stop ABCI server: %w", err)
		}
	}
	if path, ok := strings.CutPrefix(s.socket, "unix://"); ok {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove ABCI socket", zap.String("path", path), zap.Error(err))
		}
	}
	s.logger.Info("ABCI server stopped")
	return nil
}

func (s *ABCIServer) IsRunning() bool {
	return s.server.IsRunning()
}

func (s *ABCIServer) SocketPath() string {
	return s.socket
}
