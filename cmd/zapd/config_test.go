package main

import (
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		bindAddr:      "0.0.0.0",
		logFormat:     "text",
		logLevel:      "info",
		handshakeTO:   time.Second,
		connectTO:     time.Second,
		bindWait:      time.Second,
		socketBufSize: 0,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBind", func(c *appConfig) { c.bindAddr = "not-an-ip" }},
		{"ipv6Bind", func(c *appConfig) { c.bindAddr = "::1" }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badConnectTO", func(c *appConfig) { c.connectTO = 0 }},
		{"badBindWait", func(c *appConfig) { c.bindWait = 0 }},
		{"badSocketBuf", func(c *appConfig) { c.socketBufSize = -1 }},
	}
	for _, tc := range tests {
		c := baseConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestBindAddrBytes(t *testing.T) {
	c := baseConfig()
	c.bindAddr = "127.0.0.2"
	got, err := c.bindAddrBytes()
	if err != nil {
		t.Fatalf("bindAddrBytes: %v", err)
	}
	want := [4]byte{127, 0, 0, 2}
	if got != want {
		t.Fatalf("bindAddrBytes = %v, want %v", got, want)
	}
}
