package node

import (
	"fmt"
	"net"
	"path/filepath"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"

	"epochbft/availability"
	"epochbft/consensus"
	ebcrypto "epochbft/crypto"
	"epochbft/crypto/bls"
	"epochbft/libs/metric"
	"epochbft/output"
	"epochbft/privval"
	"epochbft/rpc"
	"epochbft/statetransfer"
	"epochbft/store"
	"epochbft/types"
)

type Provider func(*cfg.Config, *consensus.Config, log.Logger) (*Node, error)

// Node assembles the ordering service: transport, epoch store, consensus
// module, state-transfer manager, availability pool, output sink and the
// admin RPC.
type Node struct {
	service.BaseService

	// config
	config *cfg.Config
	ordCfg *consensus.Config

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey

	// services
	consensusState   *consensus.ConsensusState
	consensusReactor *consensus.Reactor
	stateTransfer    *statetransfer.Manager
	epochStore       store.EpochStore
	pool             *availability.ListPool
	sink             *output.StaticSink

	metricSet   *metric.MetricSet
	rpcListener net.Listener
}

type Option func(*Node)

// SetSnapshot marks the node as onboarding from the given epoch.
func SetSnapshot(snapshot *consensus.StartupSnapshot) Option {
	return func(n *Node) {
		consensus.SetSnapshot(snapshot)(n.consensusState)
	}
}

func DefaultNewNode(config *cfg.Config, ordCfg *consensus.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, err
	}

	return NewNode(config, ordCfg, nodeKey, logger)
}

// providerFactory builds the per-epoch crypto provider constructor for the
// signing scheme the topology document selects. With bls, consensus
// signatures use the BLS keys distributed in the document; the ed25519 key
// remains the peer's identity.
func providerFactory(config *cfg.Config, topoDoc *types.TopologyDoc, pv *privval.FilePV) (consensus.ProviderFactory, error) {
	switch topoDoc.SigningScheme {
	case types.SchemeBls:
		keyFile := filepath.Join(filepath.Dir(config.PrivValidatorKeyFile()), "bls_key.json")
		blsKey := bls.LoadOrGenFileKey(keyFile)
		private, err := blsKey.Scalar()
		if err != nil {
			return nil, fmt.Errorf("bls key at %s: %w", keyFile, err)
		}
		keys, err := bls.KeyTable(topoDoc.Peers)
		if err != nil {
			return nil, err
		}
		return func(topo *types.OrderingTopology) ebcrypto.Provider {
			return bls.NewProvider(private, keys)
		}, nil

	default:
		return func(topo *types.OrderingTopology) ebcrypto.Provider {
			return ebcrypto.NewEd25519Provider(pv.PrivKey(), topo)
		}, nil
	}
}

func createTransport(
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
) *p2p.MultiplexTransport {
	var (
		mConnConfig = conn.DefaultMConnConfig()
		transport   = p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	)

	return transport
}

func createSwitch(config *cfg.Config,
	transport p2p.Transport,
	consensusReactor *consensus.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("CONSENSUS", consensusReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func NewNode(
	config *cfg.Config,
	ordCfg *consensus.Config,
	nodeKey *p2p.NodeKey,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	if err := ordCfg.ValidateBasic(); err != nil {
		return nil, err
	}

	// peer identity
	pv := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile())
	selfAddr := pv.GetAddress()

	// initial topology
	topoDoc, err := types.TopologyDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}
	topology := topoDoc.OrderingTopology()

	// epoch store
	epochStore, err := store.NewKVEpochStore("epochstore", config.DBDir(), logger.With("module", "store"))
	if err != nil {
		return nil, err
	}

	factory, err := providerFactory(config, topoDoc, pv)
	if err != nil {
		return nil, err
	}

	// consensus state machine and reactor
	cs := consensus.NewConsensusState(ordCfg, selfAddr, topology, epochStore, factory)
	cs.SetLogger(logger.With("module", "consensus"))

	conR := consensus.NewReactor(cs)
	conR.SetLogger(logger.With("module", "consensus"))

	// output sink
	sink := output.NewStaticSink(cs, topology, factory)
	sink.SetLogger(logger.With("module", "output"))
	cs.SetOutputSink(sink)

	// state transfer
	st := statetransfer.NewManager(
		epochStore,
		conR,
		selfAddr,
		ordCfg.TransferRetryInterval,
		cs.DeliverTransferResult,
		sink.DeliverOrderedBlock,
	)
	st.SetLogger(logger.With("module", "statetransfer"))
	cs.SetStateTransfer(st)

	// availability pool
	pool := availability.NewListPool()
	pool.SetLogger(logger.With("module", "availability"))
	availability.AttachToConsensus(cs, pool, selfAddr)

	// setup node identity
	nodeInfo, err := makeNodeInfo(config, nodeKey, topoDoc.ChainID)
	if err != nil {
		return nil, err
	}

	// Setup Transport.
	transport := createTransport(nodeInfo, nodeKey)

	// Setup Switch.
	p2pLogger := logger.With("module", "p2p")
	sw := createSwitch(
		config, transport, conR, nodeInfo, nodeKey, p2pLogger,
	)

	metricSet := metric.NewMetricSet()
	if err := metricSet.SetMetrics("consensus", cs.JSONMetric()); err != nil {
		return nil, err
	}

	node := &Node{
		config:           config,
		ordCfg:           ordCfg,
		transport:        transport,
		sw:               sw,
		nodeInfo:         nodeInfo,
		nodeKey:          nodeKey,
		consensusState:   cs,
		consensusReactor: conR,
		stateTransfer:    st,
		epochStore:       epochStore,
		pool:             pool,
		sink:             sink,
		metricSet:        metricSet,
	}

	node.BaseService = *service.NewBaseService(logger, "Node", node)

	for _, option := range options {
		option(node)
	}

	return node, nil
}

func (n *Node) OnStart() error {
	addr, err := p2p.NewNetAddressString(
		p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	if err := n.sw.Start(); err != nil {
		return err
	}

	if err := n.stateTransfer.Start(); err != nil {
		return err
	}
	if err := n.consensusState.Start(); err != nil {
		return err
	}

	// admin RPC
	if n.config.RPC.ListenAddress != "" {
		rpc.SetEnvironment(&rpc.Environment{
			Consensus: n.consensusState,
			MetricSet: n.metricSet,
		})
		listener, err := rpc.StartRPC(n.config.RPC.ListenAddress, n.Logger.With("module", "rpc"))
		if err != nil {
			return err
		}
		n.rpcListener = listener
	}

	// dial the rest of the topology
	peers := n.config.P2P.PersistentPeers
	if peers != "" {
		if err := n.sw.DialPeersAsync(splitAndTrimEmpty(peers, ",", " ")); err != nil {
			return fmt.Errorf("could not dial peers from persistent-peers field: %w", err)
		}
	}

	return nil
}

func (n *Node) OnStop() {
	if n.rpcListener != nil {
		if err := n.rpcListener.Close(); err != nil {
			n.Logger.Error("closing admin RPC listener", "err", err)
		}
	}

	if err := n.consensusState.Stop(); err != nil {
		n.Logger.Error("stopping consensus", "err", err)
	}
	if err := n.stateTransfer.Stop(); err != nil {
		n.Logger.Error("stopping state transfer", "err", err)
	}
	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("stopping switch", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.Logger.Error("closing transport", "err", err)
	}
}

// ConsensusState exposes the consensus module.
func (n *Node) ConsensusState() *consensus.ConsensusState {
	return n.consensusState
}

// AvailabilityPool exposes the payload pool.
func (n *Node) AvailabilityPool() *availability.ListPool {
	return n.pool
}

// Switch exposes the p2p switch.
func (n *Node) Switch() *p2p.Switch {
	return n.sw
}
