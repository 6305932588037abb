package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpc.RPCFunc{
	"ordering_topology": rpc.NewRPCFunc(OrderingTopology, ""),
	"metrics":           rpc.NewRPCFunc(JSONMetrics, "label"),
}
