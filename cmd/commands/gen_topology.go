package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	"epochbft/crypto/bls"
	"epochbft/privval"
	"epochbft/types"
)

var (
	chainID       string
	peerCount     int
	signingScheme string
)

// GenTopologyCmd generates the keys of a local test cluster plus the shared
// topology document naming all of them.
var GenTopologyCmd = &cobra.Command{
	Use:     "gen-topology",
	Aliases: []string{"gen_topology"},
	Short:   "Generate peer keys and the shared topology document for a cluster",
	PreRun:  deprecateSnakeCase,
	RunE:    genTopologyFile,
}

func init() {
	GenTopologyCmd.Flags().StringVar(&chainID, "chainID", "test-ordering", "chain name")
	GenTopologyCmd.Flags().IntVar(&peerCount, "peer-count", 4, "number of ordering peers")
	GenTopologyCmd.Flags().StringVar(&signingScheme, "scheme", types.SchemeEd25519,
		"consensus signing scheme (ed25519 or bls)")
	GenTopologyCmd.MarkFlagRequired("peer-count")
}

func genTopologyFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found topology file", "path", genFile, ". exit.")
		return nil
	}

	peers := make([]types.TopologyPeer, peerCount)
	for i := 0; i < peerCount; i++ {
		keyFile := filepath.Join(filepath.Dir(config.PrivValidatorKeyFile()),
			fmt.Sprintf("peer_key_%d.json", i))
		pv := privval.GenFilePV(keyFile)
		pv.Save()

		pub, err := pv.GetPubKey()
		if err != nil {
			return err
		}
		peers[i] = types.TopologyPeer{
			Address: pub.Address(),
			PubKey:  pub,
			Name:    fmt.Sprintf("peer-%d", i),
		}

		if signingScheme == types.SchemeBls {
			blsKeyFile := filepath.Join(filepath.Dir(keyFile),
				fmt.Sprintf("peer_key_%d_bls.json", i))
			blsKey := bls.GenFileKey(blsKeyFile)
			blsKey.Save()
			peers[i].BlsPubKey = blsKey.PubKey
			logger.Info("Generated bls key", "path", blsKeyFile)
		}
		logger.Info("Generated peer key", "path", keyFile, "address", pub.Address())
	}

	doc := &types.TopologyDoc{
		ChainID:       chainID,
		Activation:    time.Now().UTC(),
		SigningScheme: signingScheme,
		Peers:         peers,
	}
	if err := doc.ValidateAndComplete(); err != nil {
		return err
	}
	if err := doc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated topology file", "path", genFile)

	return nil
}
