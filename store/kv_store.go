package store

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"

	"epochbft/types"
)

// key layout:
//
//	epoch/started/<n>    -> tmjson(StoredEpoch)
//	epoch/completed/<n>  -> tmjson(CompletedEpoch)
//	epoch/latest_started   -> n
//	epoch/latest_completed -> n
//	block/<epoch>/<block>  -> tmjson(OrderedBlock)
//	pbft/<epoch>/<block>/<tag>/<view>/<sender> -> wire(ConsensusMessage)
const (
	prefixStarted   = "epoch/started/"
	prefixCompleted = "epoch/completed/"
	keyLatestStart  = "epoch/latest_started"
	keyLatestDone   = "epoch/latest_completed"
	prefixBlock     = "block/"
	prefixPbft      = "pbft/"
)

func NewKVEpochStore(name, dir string, logger log.Logger) (*KVEpochStore, error) {
	levelDB, err := leveldb.NewDB(name, dir)
	if err != nil {
		return nil, errors.Wrap(err, "open epoch store")
	}
	return NewKVEpochStoreWithDB(levelDB, logger), nil
}

func NewKVEpochStoreWithDB(kvdb tmdb.DB, logger log.Logger) *KVEpochStore {
	return &KVEpochStore{kvDB: kvdb, logger: logger}
}

// KVEpochStore implements EpochStore on a tm-db backend.
type KVEpochStore struct {
	kvDB tmdb.DB

	logger log.Logger
}

var _ EpochStore = (*KVEpochStore)(nil)

// StartEpoch implements EpochStore.
func (kv *KVEpochStore) StartEpoch(epoch types.StoredEpoch) error {
	bz, err := tmjson.Marshal(epoch)
	if err != nil {
		return errors.Wrap(err, "marshal started epoch")
	}

	batch := kv.kvDB.NewBatch()
	defer batch.Close()

	if err := batch.Set(startedKey(epoch.Info.Number), bz); err != nil {
		return err
	}
	if err := batch.Set([]byte(keyLatestStart), epochNumberBytes(epoch.Info.Number)); err != nil {
		return err
	}
	return errors.Wrap(batch.WriteSync(), "write started epoch")
}

// CompleteEpoch implements EpochStore.
func (kv *KVEpochStore) CompleteEpoch(n types.EpochNumber, lastCommits []*types.ConsensusMessage) error {
	started, err := kv.loadStarted(n)
	if err != nil {
		return err
	}
	if started == nil {
		return errors.Errorf("completing epoch %d that never started", n)
	}

	completed := &types.CompletedEpoch{
		StoredEpoch: *started,
		LastCommits: lastCommits,
	}
	bz, err := tmjson.Marshal(completed)
	if err != nil {
		return errors.Wrap(err, "marshal completed epoch")
	}

	batch := kv.kvDB.NewBatch()
	defer batch.Close()

	if err := batch.Set(completedKey(n), bz); err != nil {
		return err
	}
	if err := batch.Set([]byte(keyLatestDone), epochNumberBytes(n)); err != nil {
		return err
	}
	if err := kv.prunePbft(batch, n); err != nil {
		return err
	}
	return errors.Wrap(batch.WriteSync(), "write completed epoch")
}

// LatestCompletedEpoch implements EpochStore.
func (kv *KVEpochStore) LatestCompletedEpoch() (*types.CompletedEpoch, error) {
	bz, err := kv.kvDB.Get([]byte(keyLatestDone))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		// fresh store: Genesis is implicitly complete
		return types.GenesisCompletedEpoch(time.Unix(0, 0).UTC()), nil
	}
	return kv.LoadCompletedEpoch(epochNumberFromBytes(bz))
}

// LatestStartedEpoch implements EpochStore.
func (kv *KVEpochStore) LatestStartedEpoch() (*types.StoredEpoch, error) {
	bz, err := kv.kvDB.Get([]byte(keyLatestStart))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, nil
	}
	return kv.loadStarted(epochNumberFromBytes(bz))
}

// EpochInProgress implements EpochStore.
func (kv *KVEpochStore) EpochInProgress(n types.EpochNumber) (*types.EpochInProgress, error) {
	blocks, err := kv.LoadEpochBlocks(n)
	if err != nil {
		return nil, err
	}

	completed := make(map[types.BlockNumber]struct{}, len(blocks))
	for _, b := range blocks {
		completed[b.Metadata.Number] = struct{}{}
	}

	var msgs []*types.ConsensusMessage
	it, err := kv.iteratePrefix(pbftPrefix(n))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		msg, err := types.UnmarshalConsensusMessage(it.Value())
		if err != nil {
			return nil, errors.Wrap(err, "corrupt pbft message in store")
		}
		if _, done := completed[msg.Block]; done {
			continue
		}
		msgs = append(msgs, msg)
	}

	return &types.EpochInProgress{
		CompletedBlocks: blocks,
		PbftMessages:    msgs,
	}, nil
}

// AddOrderedBlock implements EpochStore.
func (kv *KVEpochStore) AddOrderedBlock(block *types.OrderedBlock) error {
	bz, err := tmjson.Marshal(block)
	if err != nil {
		return errors.Wrap(err, "marshal ordered block")
	}
	return kv.kvDB.SetSync(blockKey(block.Metadata), bz)
}

// AddPbftMessage implements EpochStore.
func (kv *KVEpochStore) AddPbftMessage(msg *types.ConsensusMessage) error {
	bz, err := types.MarshalConsensusMessage(msg)
	if err != nil {
		return err
	}
	return kv.kvDB.SetSync(pbftKey(msg), bz)
}

// LoadCompletedEpoch implements EpochStore.
func (kv *KVEpochStore) LoadCompletedEpoch(n types.EpochNumber) (*types.CompletedEpoch, error) {
	bz, err := kv.kvDB.Get(completedKey(n))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, nil
	}
	completed := new(types.CompletedEpoch)
	if err := tmjson.Unmarshal(bz, completed); err != nil {
		return nil, errors.Wrap(err, "unmarshal completed epoch")
	}
	return completed, nil
}

// LoadEpochBlocks implements EpochStore.
func (kv *KVEpochStore) LoadEpochBlocks(n types.EpochNumber) ([]*types.OrderedBlock, error) {
	var blocks []*types.OrderedBlock
	it, err := kv.iteratePrefix(blockPrefix(n))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		block := new(types.OrderedBlock)
		if err := tmjson.Unmarshal(it.Value(), block); err != nil {
			return nil, errors.Wrap(err, "corrupt ordered block in store")
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func (kv *KVEpochStore) loadStarted(n types.EpochNumber) (*types.StoredEpoch, error) {
	bz, err := kv.kvDB.Get(startedKey(n))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, nil
	}
	stored := new(types.StoredEpoch)
	if err := tmjson.Unmarshal(bz, stored); err != nil {
		return nil, errors.Wrap(err, "unmarshal started epoch")
	}
	return stored, nil
}

func (kv *KVEpochStore) prunePbft(batch tmdb.Batch, n types.EpochNumber) error {
	it, err := kv.iteratePrefix(pbftPrefix(n))
	if err != nil {
		return err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (kv *KVEpochStore) iteratePrefix(prefix []byte) (tmdb.Iterator, error) {
	return kv.kvDB.Iterator(prefix, prefixEnd(prefix))
}

func (kv *KVEpochStore) GetDB() tmdb.DB {
	return kv.kvDB
}

//---------------------------------------------------------
// keys

func startedKey(n types.EpochNumber) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixStarted, n))
}

func completedKey(n types.EpochNumber) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixCompleted, n))
}

func blockPrefix(n types.EpochNumber) []byte {
	return []byte(fmt.Sprintf("%s%020d/", prefixBlock, n))
}

func blockKey(meta types.BlockMetadata) []byte {
	return []byte(fmt.Sprintf("%s%020d/%020d", prefixBlock, meta.Epoch, meta.Number))
}

func pbftPrefix(n types.EpochNumber) []byte {
	return []byte(fmt.Sprintf("%s%020d/", prefixPbft, n))
}

func pbftKey(msg *types.ConsensusMessage) []byte {
	return []byte(fmt.Sprintf("%s%020d/%020d/%d/%020d/%X",
		prefixPbft, msg.Epoch, msg.Block, msg.Payload.Tag(), msg.View, msg.Sender))
}

func epochNumberBytes(n types.EpochNumber) []byte {
	return []byte(fmt.Sprintf("%d", n))
}

func epochNumberFromBytes(bz []byte) types.EpochNumber {
	var n int64
	fmt.Sscanf(string(bz), "%d", &n)
	return types.EpochNumber(n)
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
