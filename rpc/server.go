package rpc

import (
	"net"
	"net/http"

	"github.com/tendermint/tendermint/libs/log"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
)

// StartRPC serves the admin routes on addr until the listener is closed.
func StartRPC(addr string, logger log.Logger) (net.Listener, error) {
	mux := http.NewServeMux()
	rpcserver.RegisterRPCFuncs(mux, Routes, logger)

	config := rpcserver.DefaultConfig()
	listener, err := rpcserver.Listen(addr, config)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := rpcserver.Serve(listener, mux, logger, config); err != nil {
			logger.Error("admin RPC server stopped", "err", err)
		}
	}()

	return listener, nil
}
