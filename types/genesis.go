package types

import (
	"errors"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/tendermint/tendermint/crypto"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/tempfile"
)

// Signing schemes a topology document may select for consensus signatures.
// Peer identities (addresses) always derive from the ed25519 identity key;
// the scheme decides which keys sign and verify consensus messages.
const (
	SchemeEd25519 = "ed25519"
	SchemeBls     = "bls"
)

// TopologyPeer is one peer entry of a topology document. BlsPubKey is the
// peer's BLS verification key; set for every peer when the document selects
// the bls scheme.
type TopologyPeer struct {
	Address   Address          `json:"address"`
	PubKey    crypto.PubKey    `json:"pub_key"`
	BlsPubKey tmbytes.HexBytes `json:"bls_pub_key,omitempty"`
	Name      string           `json:"name,omitempty"`
}

// TopologyDoc is the on-disk description of the initial ordering topology,
// shared by every peer of a fresh deployment.
type TopologyDoc struct {
	ChainID       string         `json:"chain_id"`
	Activation    time.Time      `json:"activation"`
	SigningScheme string         `json:"signing_scheme,omitempty"`
	Peers         []TopologyPeer `json:"peers"`
}

func (doc *TopologyDoc) ValidateAndComplete() error {
	if doc.ChainID == "" {
		return errors.New("topology doc without chain id")
	}
	if len(doc.Peers) == 0 {
		return errors.New("topology doc without peers")
	}
	if doc.SigningScheme == "" {
		doc.SigningScheme = SchemeEd25519
	}
	if doc.SigningScheme != SchemeEd25519 && doc.SigningScheme != SchemeBls {
		return fmt.Errorf("unknown signing scheme %q", doc.SigningScheme)
	}
	for i, p := range doc.Peers {
		if p.PubKey == nil {
			return fmt.Errorf("peer #%d without public key", i)
		}
		if doc.SigningScheme == SchemeBls && len(p.BlsPubKey) == 0 {
			return fmt.Errorf("peer #%d without bls public key", i)
		}
		doc.Peers[i].Address = p.PubKey.Address()
	}
	if doc.Activation.IsZero() {
		doc.Activation = time.Now().UTC()
	}
	return nil
}

// OrderingTopology builds the runtime topology from the document.
func (doc *TopologyDoc) OrderingTopology() *OrderingTopology {
	peers := make([]*Peer, len(doc.Peers))
	for i, p := range doc.Peers {
		peers[i] = NewPeer(p.PubKey)
	}
	return NewOrderingTopology(peers, doc.Activation)
}

// SaveAs writes the document atomically.
func (doc *TopologyDoc) SaveAs(file string) error {
	docBytes, err := tmjson.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return tempfile.WriteFileAtomic(file, docBytes, 0644)
}

// TopologyDocFromFile reads and validates a topology document.
func TopologyDocFromFile(file string) (*TopologyDoc, error) {
	docBytes, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("could not read topology doc: %w", err)
	}
	doc := new(TopologyDoc)
	if err := tmjson.Unmarshal(docBytes, doc); err != nil {
		return nil, fmt.Errorf("could not parse topology doc %s: %w", file, err)
	}
	if err := doc.ValidateAndComplete(); err != nil {
		return nil, err
	}
	return doc, nil
}
