package consensus

//The consensus module orders client payloads into a totally ordered stream
//of blocks. Time is sliced into epochs; each epoch's block slots are
//partitioned into per-leader segments, and each segment runs PBFT:
//
//	            +-------------+   pre-prepare   +-------------+
//	            |    Idle     +---------------->| PrePrepared |
//	            +------+------+                 +------+------+
//	                   ^                               | 2f+1 prepares
//	timeout            |                               v
//	(new view)  +------+-------+                +------+------+
//	     +----->| ViewChanging |                |  Prepared   |
//	     |      +------+-------+                +------+------+
//	     |             |  new-view                     | 2f+1 commits
//	     |             v                               v
//	     |      (resume at v+1)               +--------+--------+
//	     +------------------------------------+ Committed       |
//	                                          | -> Completed    |
//	                                          +-----------------+
//
//ConsensusState - the top-level actor; epoch lifecycle, message routing and
//	catch-up arbitration. Runs every inbox message to completion.
//	- EpochState - the active epoch: its segment modules, completed blocks
//	  and the last block's commit evidence.
//	- SegmentModule - PBFT for one leader's slice of slots, including view
//	  changes and in-progress recovery.
//	- Validator - pure parsing and signature verification of inbound
//	  messages, run off the actor thread.
//	- catchupDetector - decides when live consensus is abandoned for bulk
//	  state transfer.
//	- Reactor - bridges the p2p switch to the module's inbox and sends
//	  outbound messages.
