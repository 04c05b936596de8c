package model

// OperationType 异步操作类型
type OperationType string

const (
	OpCreateBitmexAccount  OperationType = "CREATE_BITMEX_ACCOUNT"
	OpUpdateBitmexAccount  OperationType = "UPDATE_BITMEX_ACCOUNT"
	OpDeleteBitmexAccount  OperationType = "DELETE_BITMEX_ACCOUNT"
	OpDisableBitmexAccount OperationType = "DISABLE_BITMEX_ACCOUNT"
	OpClearBitmexNode      OperationType = "CLEAR_BITMEX_NODE"

	OpCreateBinanceAccount  OperationType = "CREATE_BINANCE_ACCOUNT"
	OpUpdateBinanceAccount  OperationType = "UPDATE_BINANCE_ACCOUNT"
	OpDeleteBinanceAccount  OperationType = "DELETE_BINANCE_ACCOUNT"
	OpDisableBinanceAccount OperationType = "DISABLE_BINANCE_ACCOUNT"

	OpCreateBitmexOrder OperationType = "CREATE_BITMEX_ORDER"
	OpUpdateBitmexOrder OperationType = "UPDATE_BITMEX_ORDER"
	OpCancelBitmexOrder OperationType = "CANCEL_BITMEX_ORDER"

	OpCloseBitmexPosition   OperationType = "CLOSE_BITMEX_POSITION"
	OpAddStopBitmexPosition OperationType = "ADD_STOP_BITMEX_POSITION"
	OpAddTslBitmexPosition  OperationType = "ADD_TSL_BITMEX_POSITION"
)

// AccountCommand 账户命令种类
type AccountCommand int

const (
	AccountCreate AccountCommand = iota
	AccountUpdate
	AccountDelete
	AccountDisable
	AccountClear
)

var accountOps = map[Exchange]map[AccountCommand]OperationType{
	ExchangeBitmex: {
		AccountCreate:  OpCreateBitmexAccount,
		AccountUpdate:  OpUpdateBitmexAccount,
		AccountDelete:  OpDeleteBitmexAccount,
		AccountDisable: OpDisableBitmexAccount,
		AccountClear:   OpClearBitmexNode,
	},
	ExchangeBinance: {
		AccountCreate:  OpCreateBinanceAccount,
		AccountUpdate:  OpUpdateBinanceAccount,
		AccountDelete:  OpDeleteBinanceAccount,
		AccountDisable: OpDisableBinanceAccount,
	},
}

// AccountOperation 返回交易所账户命令对应的操作类型，不支持时 ok=false
func AccountOperation(exchange Exchange, cmd AccountCommand) (OperationType, bool) {
	op, ok := accountOps[exchange][cmd]
	return op, ok
}
