package types

import (
	tmjson "github.com/tendermint/tendermint/libs/json"
)

func init() {
	tmjson.RegisterType(&PrePrepare{}, "epochbft/PrePrepare")
	tmjson.RegisterType(&Prepare{}, "epochbft/Prepare")
	tmjson.RegisterType(&Commit{}, "epochbft/Commit")
	tmjson.RegisterType(&ViewChange{}, "epochbft/ViewChange")
	tmjson.RegisterType(&NewView{}, "epochbft/NewView")
}
