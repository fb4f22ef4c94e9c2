package transport

import (
	"context"
	"errors"
	"testing"

	rerrors "github.com/sglc/link-core/internal/errors"
)

func TestMemoryTransportConnectWriteDisconnect(t *testing.T) {
	tr := &MemoryTransport{}
	if err := tr.Connect(context.Background(), "peer-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !tr.Connected() {
		t.Fatalf("expected connected")
	}
	if err := tr.Write(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(tr.Writes()) != 1 || string(tr.Writes()[0]) != "hello" {
		t.Fatalf("unexpected writes: %+v", tr.Writes())
	}
	tr.Disconnect()
	if tr.Connected() {
		t.Fatalf("expected disconnected")
	}
}

func TestMemoryTransportWriteFailsWhenDisconnected(t *testing.T) {
	tr := &MemoryTransport{}
	if err := tr.Write(context.Background(), []byte("x")); !rerrors.IsLink(err) {
		t.Fatalf("expected link error for write-before-connect, got %v", err)
	}
}

func TestMemoryTransportConnectErrPropagates(t *testing.T) {
	wantErr := errors.New("boom")
	tr := &MemoryTransport{ConnectErr: wantErr}
	if err := tr.Connect(context.Background(), "peer"); err != wantErr {
		t.Fatalf("expected ConnectErr propagated, got %v", err)
	}
	if tr.Connected() {
		t.Fatalf("expected not connected after failed Connect")
	}
}
