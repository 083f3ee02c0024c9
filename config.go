package msgconn

import "time"

// Config is the file/env friendly form of the connection options.
// Zero fields keep their defaults.
type Config struct {
	ReadChunkSize  int           `mapstructure:"read_chunk_size"`
	MaxBufferSize  int           `mapstructure:"max_buffer_size"`
	MaxMessageSize int           `mapstructure:"max_message_size"`
	SendQueueSize  int           `mapstructure:"send_queue_size"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ReadChunkSize:  defaultReadChunkSize,
		MaxBufferSize:  defaultMaxBufferSize,
		MaxMessageSize: defaultMaxMessageSize,
		SendQueueSize:  defaultBufferSize,
		IdleTimeout:    defaultIdleTimeout,
	}
}

// Options converts the configuration to connection options.
func (c Config) Options() []Option {
	return []Option{
		ReadChunkSizeOption(c.ReadChunkSize),
		MaxBufferSizeOption(c.MaxBufferSize),
		MessageMaxSize(c.MaxMessageSize),
		BufferSizeOption(c.SendQueueSize),
		IdleTimeoutOption(c.IdleTimeout),
	}
}
