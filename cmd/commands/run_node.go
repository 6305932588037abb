package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	"epochbft/consensus"
	nm "epochbft/node"
	"epochbft/types"
)

var onboardFrom int64

// AddNodeFlags exposes some common configuration options on the command.
func AddNodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("moniker", config.Moniker, "node name")
	cmd.Flags().String("p2p.laddr", config.P2P.ListenAddress, "node listen address")
	cmd.Flags().String("p2p.persistent_peers", config.P2P.PersistentPeers,
		"comma-delimited ID@host:port persistent peers")
	cmd.Flags().String("rpc.laddr", config.RPC.ListenAddress, "admin RPC listen address")
	cmd.Flags().Int64Var(&onboardFrom, "onboard-from", -1,
		"onboard this peer via state transfer starting at the given epoch")
}

// NewRunNodeCmd returns the command that runs the ordering node.
func NewRunNodeCmd(nodeProvider nm.Provider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"node", "start"},
		Short:   "Run the ordering node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := nodeProvider(config, ordConfig, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if onboardFrom >= 0 {
				nm.SetSnapshot(&consensus.StartupSnapshot{
					StartEpoch: types.EpochNumber(onboardFrom),
				})(n)
			}

			if err := n.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}
			logger.Info("Started node", "nodeInfo", n.Switch().NodeInfo())

			// Stop upon receiving SIGTERM or CTRL-C.
			tmos.TrapSignal(logger, func() {
				if n.IsRunning() {
					if err := n.Stop(); err != nil {
						logger.Error("unable to stop the node", "error", err)
					}
				}
			})

			// Run forever.
			select {}
		},
	}

	AddNodeFlags(cmd)
	return cmd
}
