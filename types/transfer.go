package types

import (
	"errors"
	"fmt"
)

// BlockTransferRequest asks peers for every completed epoch they hold from
// FromEpoch onward.
type BlockTransferRequest struct {
	FromEpoch EpochNumber `json:"from_epoch"`
	Sender    Address     `json:"sender"`
}

func (req *BlockTransferRequest) ValidateBasic() error {
	if req == nil {
		return errors.New("nil block transfer request")
	}
	if req.FromEpoch < 0 {
		return errors.New("negative transfer start epoch")
	}
	if len(req.Sender) == 0 {
		return errors.New("block transfer request without sender")
	}
	return nil
}

func (req *BlockTransferRequest) String() string {
	return fmt.Sprintf("BlockTransferRequest{from=%d sender=%v}", req.FromEpoch, req.Sender)
}

// BlockTransferResponse carries one completed epoch: its record, its ordered
// blocks, and the last block's commit certificate. The certificate makes the
// response self-authenticating: a single honest responder suffices.
type BlockTransferResponse struct {
	Epoch       StoredEpoch         `json:"epoch"`
	Blocks      []*OrderedBlock     `json:"blocks"`
	LastCommits []*ConsensusMessage `json:"last_commits"`
	Sender      Address             `json:"sender"`
}

func (resp *BlockTransferResponse) ValidateBasic() error {
	if resp == nil {
		return errors.New("nil block transfer response")
	}
	if err := resp.Epoch.Info.ValidateBasic(); err != nil {
		return err
	}
	if len(resp.Blocks) == 0 {
		return errors.New("block transfer response without blocks")
	}
	for _, b := range resp.Blocks {
		if err := b.ValidateBasic(); err != nil {
			return err
		}
		if b.Metadata.Epoch != resp.Epoch.Info.Number {
			return errors.New("block transfer response mixes epochs")
		}
	}
	if len(resp.LastCommits) == 0 {
		return errors.New("block transfer response without last commits")
	}
	return nil
}

func (resp *BlockTransferResponse) String() string {
	return fmt.Sprintf("BlockTransferResponse{e=%d blocks=%d from=%v}",
		resp.Epoch.Info.Number, len(resp.Blocks), resp.Sender)
}
