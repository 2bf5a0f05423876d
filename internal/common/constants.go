package common

// Environment variable keys
const (
	EnvConfigFile      = "CONFIG_FILE"
	EnvExchangeAPIKey  = "EXCHANGE_API_KEY"
	EnvExchangeSecret  = "EXCHANGE_SECRET_KEY"
	EnvExchangeBaseURL = "EXCHANGE_BASE_URL"
	EnvMarketWsURL     = "MARKET_WS_URL"
	EnvSymbols         = "SYMBOLS"
	EnvDataPath        = "DATA_PATH"
	EnvMetricsPort     = "METRICS_PORT"
	EnvAdminPort       = "ADMIN_PORT"
	EnvRESTTimeout     = "REST_TIMEOUT"
	EnvRequestsPerSec  = "REQUESTS_PER_SECOND"
	EnvPingInterval    = "PING_INTERVAL"
	EnvMarketMaxAge    = "MARKET_MAX_AGE"
	EnvLedgerSave      = "LEDGER_SAVE_INTERVAL"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
	EnvDryRun          = "DRY_RUN"
)

// Risk limit environment keys
const (
	EnvMaxDailyLoss           = "MAX_DAILY_LOSS"
	EnvMaxPositionSize        = "MAX_POSITION_SIZE"
	EnvMaxLeverage            = "MAX_LEVERAGE"
	EnvMaxDrawdownPercent     = "MAX_DRAWDOWN_PERCENT"
	EnvMaxTradesPerHour       = "MAX_TRADES_PER_HOUR"
	EnvMaxTradesPerDay        = "MAX_TRADES_PER_DAY"
	EnvMinAccountBalance      = "MIN_ACCOUNT_BALANCE"
	EnvMaxRiskPerTradePercent = "MAX_RISK_PER_TRADE_PERCENT"
	EnvStopLossRequired       = "STOP_LOSS_REQUIRED"
	EnvMaxOpenPositions       = "MAX_OPEN_POSITIONS"
	EnvBlacklistedSymbols     = "BLACKLISTED_SYMBOLS"
	EnvApprovalLevel          = "APPROVAL_LEVEL"
)

// Retry and circuit breaker environment keys
const (
	EnvRetryMaxAttempts    = "RETRY_MAX_ATTEMPTS"
	EnvRetryBaseDelay      = "RETRY_BASE_DELAY"
	EnvRetryMaxDelay       = "RETRY_MAX_DELAY"
	EnvRetryStrategy       = "RETRY_STRATEGY"
	EnvRetryAttemptTimeout = "RETRY_ATTEMPT_TIMEOUT"
	EnvBreakerFailures     = "BREAKER_FAILURE_THRESHOLD"
	EnvBreakerRecovery     = "BREAKER_RECOVERY_TIMEOUT"
	EnvBreakerSuccesses    = "BREAKER_SUCCESS_THRESHOLD"
)

// Configuration defaults
const (
	DefaultExchangeBaseURL = "https://api.exchange.local"
	DefaultMarketWsURL     = "wss://stream.exchange.local/market"
	DefaultSymbol          = "BTC/USDT"
	DefaultDataPath        = "data"
	DefaultMetricsPort     = 8080
	DefaultAdminPort       = 8081
	DefaultRequestsPerSec  = 10.0
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
)

// Circuit breaker names shared by the service components
const (
	BreakerExchangeOrders = "exchange-orders"
	BreakerMarketData     = "marketdata-ws"
)

// Common error messages
const (
	ErrMsgAPIKeyRequired  = "API key and secret are required unless DRY_RUN is set"
	ErrMsgBaseURLRequired = "exchange base URL is required"
	ErrMsgWsURLRequired   = "market WebSocket URL is required"
	ErrMsgSymbolRequired  = "at least one symbol is required"
)

// Validation constants
const (
	MinPort = 1024
	MaxPort = 65535
)
