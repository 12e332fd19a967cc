package store

// LocalUser is the single local operator identity. Zero rows means the
// system is in setup state.
type LocalUser struct {
	ID           int64  `db:"id" json:"id"`
	Username     string `db:"username" json:"username"`
	PasswordHash string `db:"password_hash" json:"-"`
	CreatedAt    string `db:"created_at" json:"created_at"`
	UpdatedAt    string `db:"updated_at" json:"-"`
}

// SessionRow is the persisted broker session: ciphertexts plus their
// independent nonces. At most one row is active at a time.
type SessionRow struct {
	ID              int64   `db:"id"`
	BrokerID        string  `db:"broker_id"`
	UserID          *int64  `db:"user_id"`
	AuthToken       string  `db:"auth_token"`
	AuthTokenNonce  string  `db:"auth_token_nonce"`
	FeedToken       *string `db:"feed_token"`
	FeedTokenNonce  *string `db:"feed_token_nonce"`
	AuthenticatedAt string  `db:"authenticated_at"`
	UpdatedAt       string  `db:"updated_at"`
}

// APIKey is the stored admission credential: Argon2id hash for
// validation plus an encrypted copy for one-time display.
type APIKey struct {
	ID                int64   `db:"id" json:"id"`
	Name              string  `db:"name" json:"name"`
	KeyHash           string  `db:"key_hash" json:"-"`
	EncryptedKey      string  `db:"encrypted_key" json:"-"`
	EncryptedKeyNonce string  `db:"encrypted_key_nonce" json:"-"`
	Permissions       string  `db:"permissions" json:"permissions"`
	CreatedAt         string  `db:"created_at" json:"created_at"`
	LastUsedAt        *string `db:"last_used_at" json:"last_used_at"`
}

// Strategy is a persistent alerting target addressed by its webhook id.
type Strategy struct {
	ID          int64   `db:"id" json:"id"`
	Name        string  `db:"name" json:"name"`
	WebhookID   string  `db:"webhook_id" json:"webhook_id"`
	Platform    string  `db:"platform" json:"platform"`
	Exchange    string  `db:"exchange" json:"exchange"`
	Symbol      string  `db:"symbol" json:"symbol"`
	Product     string  `db:"product" json:"product"`
	Quantity    int     `db:"quantity" json:"quantity"`
	Enabled     bool    `db:"enabled" json:"enabled"`
	Deleted     bool    `db:"deleted" json:"-"`
	WindowStart *string `db:"window_start" json:"window_start"`
	WindowEnd   *string `db:"window_end" json:"window_end"`
	CreatedAt   string  `db:"created_at" json:"created_at"`
	UpdatedAt   string  `db:"updated_at" json:"updated_at"`
}

// SymbolMapping overrides symbol/quantity per leg for multi-symbol
// strategies.
type SymbolMapping struct {
	ID         int64  `db:"id" json:"id"`
	StrategyID int64  `db:"strategy_id" json:"strategy_id"`
	Exchange   string `db:"exchange" json:"exchange"`
	Symbol     string `db:"symbol" json:"symbol"`
	Quantity   int    `db:"quantity" json:"quantity"`
	Product    string `db:"product" json:"product"`
	CreatedAt  string `db:"created_at" json:"-"`
}

// SymbolRecord is one tradable instrument from the master contract.
type SymbolRecord struct {
	ID             int64    `db:"id" json:"id"`
	Symbol         string   `db:"symbol" json:"symbol"`
	Token          string   `db:"token" json:"token"`
	Exchange       string   `db:"exchange" json:"exchange"`
	Name           string   `db:"name" json:"name"`
	LotSize        int      `db:"lot_size" json:"lot_size"`
	TickSize       float64  `db:"tick_size" json:"tick_size"`
	InstrumentType string   `db:"instrument_type" json:"instrument_type"`
	Expiry         *string  `db:"expiry" json:"expiry,omitempty"`
	Strike         *float64 `db:"strike" json:"strike,omitempty"`
	OptionType     *string  `db:"option_type" json:"option_type,omitempty"`
}

// AutoLogoutConfig drives the daily scheduled expiry.
type AutoLogoutConfig struct {
	Enabled  bool  `json:"enabled"`
	Hour     int   `json:"hour"`
	Minute   int   `json:"minute"`
	Warnings []int `json:"warnings"` // minutes before logout
}

// WebhookServerConfig drives the admission gateway listener.
type WebhookServerConfig struct {
	Enabled   bool    `json:"enabled"`
	Host      string  `json:"host"`
	Port      int     `json:"port"`
	PublicURL *string `json:"public_url,omitempty"`
	Secret    *string `json:"secret,omitempty"`
}

// Settings is the singleton preferences row.
type Settings struct {
	Theme           string              `json:"theme"`
	DefaultBroker   *string             `json:"default_broker"`
	DefaultExchange string              `json:"default_exchange"`
	DefaultProduct  string              `json:"default_product"`
	OrderConfirm    bool                `json:"order_confirm"`
	SoundEnabled    bool                `json:"sound_enabled"`
	AnalyzeMode     bool                `json:"analyze_mode"`
	AutoLogout      AutoLogoutConfig    `json:"auto_logout"`
	WebhookServer   WebhookServerConfig `json:"webhook_server"`
}

// TrafficLog is one admitted request. Append-only.
type TrafficLog struct {
	ID         int64   `db:"id" json:"id"`
	Timestamp  string  `db:"timestamp" json:"timestamp"`
	ClientIP   string  `db:"client_ip" json:"client_ip"`
	Method     string  `db:"method" json:"method"`
	Path       string  `db:"path" json:"path"`
	StatusCode int     `db:"status_code" json:"status_code"`
	DurationMs float64 `db:"duration_ms" json:"duration_ms"`
	Host       *string `db:"host" json:"host,omitempty"`
	Error      *string `db:"error" json:"error,omitempty"`
}

// IPBan blocks a caller at admission. Temporary bans expire; strike
// counts persist past expiry.
type IPBan struct {
	ID          int64   `db:"id" json:"id"`
	IPAddress   string  `db:"ip_address" json:"ip_address"`
	BanReason   *string `db:"ban_reason" json:"ban_reason"`
	StrikeCount int     `db:"strike_count" json:"strike_count"`
	BannedAt    string  `db:"banned_at" json:"banned_at"`
	ExpiresAt   *string `db:"expires_at" json:"expires_at"`
	IsPermanent bool    `db:"is_permanent" json:"is_permanent"`
	CreatedBy   string  `db:"created_by" json:"created_by"`
}

// LatencyLog is per-operation timing for the SLA aggregates.
type LatencyLog struct {
	ID               int64   `db:"id" json:"id"`
	Timestamp        string  `db:"timestamp" json:"timestamp"`
	OrderID          string  `db:"order_id" json:"order_id"`
	Broker           string  `db:"broker" json:"broker"`
	Symbol           string  `db:"symbol" json:"symbol"`
	Operation        string  `db:"operation" json:"operation"`
	RTTMs            float64 `db:"rtt_ms" json:"rtt_ms"`
	ValidationMs     float64 `db:"validation_ms" json:"validation_ms"`
	BrokerResponseMs float64 `db:"broker_response_ms" json:"broker_response_ms"`
	OverheadMs       float64 `db:"overhead_ms" json:"overhead_ms"`
	TotalMs          float64 `db:"total_ms" json:"total_ms"`
	Status           string  `db:"status" json:"status"`
	Error            *string `db:"error" json:"error,omitempty"`
}

// AnalyzerLog is one simulated-execution audit record.
type AnalyzerLog struct {
	ID             int64  `db:"id" json:"id"`
	StrategyID     *int64 `db:"strategy_id" json:"strategy_id"`
	Operation      string `db:"operation" json:"operation"`
	RequestPayload string `db:"request_payload" json:"request_payload"`
	Decision       string `db:"decision" json:"decision"`
	CreatedAt      string `db:"created_at" json:"created_at"`
}
