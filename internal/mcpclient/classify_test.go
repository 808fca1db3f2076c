package mcpclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/oarjones/agp-gateway/internal/config"
)

type fakeNetError struct{ timeout bool }

func (e fakeNetError) Error() string   { return "fake net error" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return false }

func TestClassify_nilError(t *testing.T) {
	if got := classify(nil); got != noRetry {
		t.Errorf("classify(nil) = %v, want noRetry", got)
	}
}

func TestClassify_timeoutNeverRetries(t *testing.T) {
	if got := classify(fakeNetError{timeout: true}); got != noRetry {
		t.Errorf("classify(timeout) = %v, want noRetry", got)
	}
}

func TestClassify_connectionErrorRetries(t *testing.T) {
	if got := classify(fakeNetError{timeout: false}); got != retryNewSession {
		t.Errorf("classify(connection error) = %v, want retryNewSession", got)
	}
}

func TestClassify_connectionResetRetries(t *testing.T) {
	if got := classify(errors.New("read tcp: connection reset by peer")); got != retryNewSession {
		t.Errorf("classify(connection reset) = %v, want retryNewSession", got)
	}
}

func TestClassify_netErrClosed(t *testing.T) {
	if got := classify(net.ErrClosed); got != retryNewSession {
		t.Errorf("classify(net.ErrClosed) = %v, want retryNewSession", got)
	}
}

func TestClassify_genericErrorDoesNotRetry(t *testing.T) {
	if got := classify(errors.New("tool not found")); got != noRetry {
		t.Errorf("classify(generic) = %v, want noRetry", got)
	}
}

func TestSecondsToDuration(t *testing.T) {
	if got := secondsToDuration(0, 5*time.Second); got != 5*time.Second {
		t.Errorf("secondsToDuration(0, fallback) = %v, want fallback", got)
	}
	if got := secondsToDuration(2.5, time.Second); got != 2500*time.Millisecond {
		t.Errorf("secondsToDuration(2.5) = %v, want 2.5s", got)
	}
}

func TestClient_RunTool_failsFastWhenDisconnected(t *testing.T) {
	c := New(nil, config.Timeouts{})
	_, err := c.RunTool(context.Background(), "unity_get_scene_hierarchy", nil, time.Second)
	if err == nil {
		t.Fatal("expected an error calling a tool on a disconnected client")
	}
}
