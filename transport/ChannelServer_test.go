package transport

import (
	"testing"
	"time"

	"github.com/kadrelay/core/dispatch"
)

func TestChannelServerBindAndClose(t *testing.T) {
	disp := dispatch.New(time.Second)
	cs, err := NewChannelServer(Config{
		TCPAddrs:      []string{"127.0.0.1:0"},
		UDPAddrs:      []string{"127.0.0.1:0"},
		ListenWorkers: 2,
		Dispatcher:    disp,
	})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	if len(cs.LocalTCPAddrs()) != 1 || len(cs.LocalUDPAddrs()) != 1 {
		t.Fatalf("expected one bound TCP and one bound UDP address")
	}

	if err := cs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	cs.WaitBoss()
	cs.StopWorkers()
	cs.WaitWorkers()
}

func TestChannelServerRejectsEmptyConfig(t *testing.T) {
	if _, err := NewChannelServer(Config{}); err == nil {
		t.Fatalf("expected bind error for empty address configuration")
	}
}
