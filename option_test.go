package msgconn

import (
	"errors"
	"testing"
	"time"
)

func TestReadChunkSizeOption(t *testing.T) {
	opt := ReadChunkSizeOption(512)

	var opts options
	opt(&opts)

	if opts.readChunkSize != 512 {
		t.Errorf("readChunkSize = %d, want 512", opts.readChunkSize)
	}
}

func TestMaxBufferSizeOption(t *testing.T) {
	opt := MaxBufferSizeOption(8192)

	var opts options
	opt(&opts)

	if opts.maxBufferSize != 8192 {
		t.Errorf("maxBufferSize = %d, want 8192", opts.maxBufferSize)
	}
}

func TestBufferSizeOption(t *testing.T) {
	opt := BufferSizeOption(100)

	var opts options
	opt(&opts)

	if opts.bufferSize != 100 {
		t.Errorf("bufferSize = %d, want 100", opts.bufferSize)
	}
}

func TestIdleTimeoutOption(t *testing.T) {
	timeout := time.Minute * 5
	opt := IdleTimeoutOption(timeout)

	var opts options
	opt(&opts)

	if opts.idleTimeout != timeout {
		t.Errorf("idleTimeout = %v, want %v", opts.idleTimeout, timeout)
	}
}

func TestMessageMaxSize(t *testing.T) {
	opt := MessageMaxSize(4096)

	var opts options
	opt(&opts)

	if opts.maxMessageSize != 4096 {
		t.Errorf("maxMessageSize = %d, want 4096", opts.maxMessageSize)
	}
}

func TestOnErrorOption(t *testing.T) {
	var got error
	opt := OnErrorOption(func(err error) {
		got = err
	})

	var opts options
	opt(&opts)

	if opts.onError == nil {
		t.Fatal("onError is nil")
	}

	want := errors.New("test")
	opts.onError(want)
	if got != want {
		t.Error("onError callback not called")
	}
}

func TestLoggerOption(t *testing.T) {
	logger := &mockLogger{}
	opt := LoggerOption(logger)

	var opts options
	opt(&opts)

	if opts.logger != logger {
		t.Error("logger not set correctly")
	}
}

func TestCheckOptions_DefaultValues(t *testing.T) {
	var opts options
	checkOptions(&opts)

	if opts.readChunkSize != defaultReadChunkSize {
		t.Errorf("readChunkSize = %d, want %d", opts.readChunkSize, defaultReadChunkSize)
	}

	if opts.maxBufferSize != defaultMaxBufferSize {
		t.Errorf("maxBufferSize = %d, want %d", opts.maxBufferSize, defaultMaxBufferSize)
	}

	if opts.maxMessageSize != defaultMaxMessageSize {
		t.Errorf("maxMessageSize = %d, want %d", opts.maxMessageSize, defaultMaxMessageSize)
	}

	if opts.bufferSize != defaultBufferSize {
		t.Errorf("bufferSize = %d, want %d", opts.bufferSize, defaultBufferSize)
	}

	if opts.idleTimeout != defaultIdleTimeout {
		t.Errorf("idleTimeout = %v, want %v", opts.idleTimeout, defaultIdleTimeout)
	}

	if opts.onError == nil {
		t.Error("onError should have default value")
	}

	if opts.logger == nil {
		t.Error("logger should have default value")
	}
}

func TestCheckOptions_KeepsExplicitValues(t *testing.T) {
	opts := options{
		readChunkSize: 10,
		maxBufferSize: 20,
		bufferSize:    30,
		idleTimeout:   time.Second,
	}
	checkOptions(&opts)

	if opts.readChunkSize != 10 || opts.maxBufferSize != 20 || opts.bufferSize != 30 {
		t.Errorf("explicit sizes overwritten: %+v", opts)
	}

	if opts.idleTimeout != time.Second {
		t.Errorf("idleTimeout = %v, want %v", opts.idleTimeout, time.Second)
	}
}

func TestConfig_Options(t *testing.T) {
	cfg := Config{
		ReadChunkSize:  1024,
		MaxBufferSize:  2048,
		MaxMessageSize: 512,
		SendQueueSize:  4,
		IdleTimeout:    time.Minute,
	}

	var opts options
	for _, o := range cfg.Options() {
		o(&opts)
	}
	checkOptions(&opts)

	if opts.readChunkSize != 1024 || opts.maxBufferSize != 2048 || opts.maxMessageSize != 512 {
		t.Errorf("sizes not applied: %+v", opts)
	}

	if opts.bufferSize != 4 {
		t.Errorf("bufferSize = %d, want 4", opts.bufferSize)
	}

	if opts.idleTimeout != time.Minute {
		t.Errorf("idleTimeout = %v, want %v", opts.idleTimeout, time.Minute)
	}
}

func TestConfig_ZeroValueUsesDefaults(t *testing.T) {
	var opts options
	for _, o := range (Config{}).Options() {
		o(&opts)
	}
	checkOptions(&opts)

	d := DefaultConfig()
	if opts.readChunkSize != d.ReadChunkSize || opts.maxBufferSize != d.MaxBufferSize {
		t.Errorf("zero config did not fall back to defaults: %+v", opts)
	}

	if opts.idleTimeout != d.IdleTimeout {
		t.Errorf("idleTimeout = %v, want %v", opts.idleTimeout, d.IdleTimeout)
	}
}
