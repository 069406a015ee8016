package constants

type contextKey string

const (
	TxKey        contextKey = "tx"
	PoolKey      contextKey = "pool"
	LoggerKey    contextKey = "logger"
	RequestStart contextKey = "request_start"
	ActorKey     contextKey = "actor"
	AppKey       contextKey = "app"
	RequestIDKey contextKey = "request_id"
)
