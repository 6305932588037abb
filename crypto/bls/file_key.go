package bls

import (
	"fmt"
	"io/ioutil"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"
	"go.dedis.ch/kyber/v3"
)

// FileKey is a file-backed BLS signing key, the bls-scheme counterpart of
// the ed25519 peer key file.
type FileKey struct {
	PrivKey tmbytes.HexBytes `json:"priv_key"`
	PubKey  tmbytes.HexBytes `json:"pub_key"`

	filePath string
}

// GenFileKey generates a fresh key and sets the filePath, but does not call
// Save().
func GenFileKey(keyFilePath string) *FileKey {
	pair := GenKeyPair()

	privBytes, err := pair.Private.MarshalBinary()
	if err != nil {
		panic(err)
	}
	pubBytes, err := MarshalPublic(pair.Public)
	if err != nil {
		panic(err)
	}

	return &FileKey{
		PrivKey:  privBytes,
		PubKey:   pubBytes,
		filePath: keyFilePath,
	}
}

// LoadFileKey loads a FileKey from its filePath. If the file path does not
// exist, the program exits.
func LoadFileKey(keyFilePath string) *FileKey {
	keyJSONBytes, err := ioutil.ReadFile(keyFilePath)
	if err != nil {
		tmos.Exit(err.Error())
	}
	fk := new(FileKey)
	if err := tmjson.Unmarshal(keyJSONBytes, fk); err != nil {
		tmos.Exit(fmt.Sprintf("Error reading bls key from %v: %v\n", keyFilePath, err))
	}
	fk.filePath = keyFilePath
	return fk
}

// LoadOrGenFileKey loads a FileKey from the given filePath or else generates
// a new one and saves it there.
func LoadOrGenFileKey(keyFilePath string) *FileKey {
	if tmos.FileExists(keyFilePath) {
		return LoadFileKey(keyFilePath)
	}
	fk := GenFileKey(keyFilePath)
	fk.Save()
	return fk
}

// Save persists the key to disk.
func (fk *FileKey) Save() {
	if fk.filePath == "" {
		panic("cannot save bls key: filePath not set")
	}

	jsonBytes, err := tmjson.MarshalIndent(fk, "", "  ")
	if err != nil {
		panic(err)
	}
	if err := tempfile.WriteFileAtomic(fk.filePath, jsonBytes, 0600); err != nil {
		panic(err)
	}
}

// Scalar decodes the private key.
func (fk *FileKey) Scalar() (kyber.Scalar, error) {
	s := suite.G2().Scalar()
	if err := s.UnmarshalBinary(fk.PrivKey); err != nil {
		return nil, err
	}
	return s, nil
}

// Point decodes the public key.
func (fk *FileKey) Point() (kyber.Point, error) {
	return UnmarshalPublic(fk.PubKey)
}
