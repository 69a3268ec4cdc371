// Copyright 2023-2024 The wsgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// Shared Store Related Config

// RedisConfig defines parameters for connecting to the shared Redis store
type RedisConfig struct {
	// ServerURI is the Redis connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// OpTimeout is the max duration of one shared store round trip in milliseconds
	OpTimeout int `mapstructure:"op_timeout_ms" json:"op_timeout_ms" validate:"gte=50"`
}

// NATSConfig defines parameters for connecting to a NATS server when the NATS
// broadcast bus backend is selected
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// MaxReconnectAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts" validate:"gte=-1"`
	// ReconnectWait is the duration between reconnect attempts in seconds
	ReconnectWait int `mapstructure:"reconnect_wait_sec" json:"reconnect_wait_sec" validate:"gte=1"`
}

// ===============================================================================
// Rate Limiter Related Config

// RateWindowConfig defines the per-window request limits for one identity class
type RateWindowConfig struct {
	// PerMinute is the max number of admission checks per minute
	PerMinute int64 `mapstructure:"per_minute" json:"per_minute" validate:"gt=0"`
	// PerHour is the max number of admission checks per hour. Zero disables the window.
	PerHour int64 `mapstructure:"per_hour" json:"per_hour" validate:"gte=0"`
	// PerDay is the max number of admission checks per day. Zero disables the window.
	PerDay int64 `mapstructure:"per_day" json:"per_day" validate:"gte=0"`
}

// RateLimitConfig defines admission control parameters
type RateLimitConfig struct {
	// Anonymous are the limits applied to IP based identities
	Anonymous RateWindowConfig `mapstructure:"anonymous" json:"anonymous" validate:"required,dive"`
	// Credentialed are the limits applied to authenticated identities
	Credentialed RateWindowConfig `mapstructure:"credentialed" json:"credentialed" validate:"required,dive"`
	// MaxConcurrent is the max number of in-flight requests per identity
	MaxConcurrent int64 `mapstructure:"max_concurrent" json:"max_concurrent" validate:"gt=0"`
	// Allowlist identities bypassing all limits
	Allowlist []string `mapstructure:"allowlist" json:"allowlist"`
	// Blocklist identities rejected unconditionally
	Blocklist []string `mapstructure:"blocklist" json:"blocklist"`
	// Shared selects the shared store backend so limits apply across all nodes
	Shared bool `mapstructure:"shared" json:"shared"`
}

// ===============================================================================
// Auth Related Config

// AuthConfig defines handshake authentication parameters
type AuthConfig struct {
	// AllowedOrigins is the handshake origin allowlist. Entries are exact origins
	// or wildcard subdomain patterns such as "*.example.com".
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins" validate:"required,min=1"`
	// HandshakeTimeout is the max duration in seconds for a connection to
	// authenticate before it is closed
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	// TokenSigningKey is the HMAC key handed to the bundled JWT credential validator
	TokenSigningKey string `mapstructure:"token_signing_key" json:"-" validate:"required"`
}

// ===============================================================================
// Session Related Config

// SessionConfig defines durable session parameters
type SessionConfig struct {
	// TTL is the session time-to-live in seconds, refreshed on touch and save
	TTL int `mapstructure:"ttl_sec" json:"ttl_sec" validate:"gte=60"`
	// MaxSubscriptions is the per session subscription cardinality bound
	MaxSubscriptions int `mapstructure:"max_subscriptions" json:"max_subscriptions" validate:"gt=0"`
	// ReconcileInterval is how often in seconds live connection state is reconciled
	// into the session store
	ReconcileInterval int `mapstructure:"reconcile_interval_sec" json:"reconcile_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// Connection Related Config

// ConnectionConfig defines per connection transport parameters
type ConnectionConfig struct {
	// MaxEnvelopeBytes is the max inbound or outbound envelope size in bytes
	MaxEnvelopeBytes int64 `mapstructure:"max_envelope_bytes" json:"max_envelope_bytes" validate:"gt=0"`
	// OutboundBufferLen is the bounded per connection outbound queue length
	OutboundBufferLen int `mapstructure:"outbound_buffer_len" json:"outbound_buffer_len" validate:"gt=0"`
	// IdleAfter is the inactivity period in seconds after which a connection is
	// marked Idle for closer rate scrutiny. It is not closed.
	IdleAfter int `mapstructure:"idle_after_sec" json:"idle_after_sec" validate:"gte=1"`
	// MaxConnections caps the registered connections for this process
	MaxConnections int `mapstructure:"max_connections" json:"max_connections" validate:"gt=0"`
	// PingInterval is the websocket keepalive ping interval in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// Broadcast Related Config

// BroadcastConfig defines cross process fan-out parameters
type BroadcastConfig struct {
	// Bus selects the shared pub/sub channel implementation
	Bus string `mapstructure:"bus" json:"bus" validate:"required,oneof=redis nats"`
	// DedupWindow is the TTL in seconds for the recently-published suppression cache
	DedupWindow int `mapstructure:"dedup_window_sec" json:"dedup_window_sec" validate:"gte=1"`
	// MaxDeliveryDrops is the consecutive drop count past which a connection is
	// evicted as unhealthy
	MaxDeliveryDrops int `mapstructure:"max_delivery_drops" json:"max_delivery_drops" validate:"gt=0"`
	// FanoutWorkers is the number of delivery workers processing bus traffic
	FanoutWorkers int `mapstructure:"fanout_workers" json:"fanout_workers" validate:"gt=0"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire request in
	// seconds. A zero or negative value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out writes of the
	// response in seconds. A zero or negative value means there will be no
	// timeout. The websocket upgrade path is exempt.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled in seconds
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// GatewayConfig defines the complete gateway process config
type GatewayConfig struct {
	// Redis are the shared store config parameters
	Redis RedisConfig `mapstructure:"redis" json:"redis" validate:"required,dive"`
	// NATS are the NATS config parameters, needed when Broadcast.Bus is "nats"
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
	// RateLimit are the admission control config parameters
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit" validate:"required,dive"`
	// Auth are the handshake authentication config parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Session are the durable session config parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Connection are the per connection transport config parameters
	Connection ConnectionConfig `mapstructure:"connection" json:"connection" validate:"required,dive"`
	// Broadcast are the cross process fan-out config parameters
	Broadcast BroadcastConfig `mapstructure:"broadcast" json:"broadcast" validate:"required,dive"`
	// HTTPSetting is the HTTP API / server parameters for the gateway server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default shared store settings
	viper.SetDefault("redis.server_uri", "redis://127.0.0.1:6379")
	viper.SetDefault("redis.op_timeout_ms", 250)

	// Default rate limit settings
	viper.SetDefault("rate_limit.anonymous.per_minute", 60)
	viper.SetDefault("rate_limit.anonymous.per_hour", 1000)
	viper.SetDefault("rate_limit.anonymous.per_day", 10000)
	viper.SetDefault("rate_limit.credentialed.per_minute", 1000)
	viper.SetDefault("rate_limit.credentialed.per_hour", 0)
	viper.SetDefault("rate_limit.credentialed.per_day", 0)
	viper.SetDefault("rate_limit.max_concurrent", 32)
	viper.SetDefault("rate_limit.shared", true)

	// Default auth settings
	viper.SetDefault("auth.handshake_timeout_sec", 10)

	// Default session settings
	viper.SetDefault("session.ttl_sec", 4*3600)
	viper.SetDefault("session.max_subscriptions", 50)
	viper.SetDefault("session.reconcile_interval_sec", 30)

	// Default connection settings
	viper.SetDefault("connection.max_envelope_bytes", 1024*1024)
	viper.SetDefault("connection.outbound_buffer_len", 256)
	viper.SetDefault("connection.idle_after_sec", 300)
	viper.SetDefault("connection.max_connections", 16384)
	viper.SetDefault("connection.ping_interval_sec", 30)

	// Default broadcast settings
	viper.SetDefault("broadcast.bus", "redis")
	viper.SetDefault("broadcast.dedup_window_sec", 5)
	viper.SetDefault("broadcast.max_delivery_drops", 25)
	viper.SetDefault("broadcast.fanout_workers", 4)

	// Default gateway server settings
	viper.SetDefault("endpoint_config.path_prefix", "/")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 3000)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Wsgate-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
