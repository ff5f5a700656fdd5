package middleware

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-mesh/lattice/message"
)

func echoHandler(ctx context.Context, req *message.Message) *message.Message {
	return message.New(message.REP, req.ID, "", nil, "ok")
}

func slowHandler(ctx context.Context, req *message.Message) *message.Message {
	time.Sleep(200 * time.Millisecond)
	return message.New(message.REP, req.ID, "", nil, "ok")
}

func newReq() *message.Message {
	return message.New(message.REQ, "echo.echo", "peer", nil, nil)
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zap.NewNop())(echoHandler)
	resp := handler(context.Background(), newReq())
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if resp.Body() != "ok" {
		t.Fatalf("expect body 'ok', got %#v", resp.Body())
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	resp := handler(context.Background(), newReq())
	if resp.Type == message.ERROR {
		t.Fatalf("expect no error, got %#v", resp.Body())
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	resp := handler(context.Background(), newReq())
	if resp.Type != message.ERROR {
		t.Fatalf("expect an ERROR reply, got %v", resp.Type)
	}
	body := resp.Body().(map[string]interface{})
	if body["type"] != "Timeout" {
		t.Fatalf("expect Timeout error, got %#v", body)
	}
}

func TestRateLimit(t *testing.T) {
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newReq())
		if resp.Type == message.ERROR {
			t.Fatalf("request %d should pass, got error: %#v", i, resp.Body())
		}
	}

	resp := handler(context.Background(), newReq())
	if resp.Type != message.ERROR {
		t.Fatalf("request 3 should be rate limited, got %v", resp.Type)
	}
	body := resp.Body().(map[string]interface{})
	if body["type"] != "RateLimited" {
		t.Fatalf("expect RateLimited error, got %#v", body)
	}
}

func TestRetryRetriesOnTimeoutThenSucceeds(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, req *message.Message) *message.Message {
		attempts++
		if attempts < 2 {
			return errorReply(req, "Timeout", "slow peer")
		}
		return message.New(message.REP, req.ID, "", nil, "ok")
	}
	handler := RetryMiddleware(3, time.Millisecond, zap.NewNop())(flaky)
	resp := handler(context.Background(), newReq())
	if resp.Type == message.ERROR {
		t.Fatalf("expect eventual success, got error: %#v", resp.Body())
	}
	if attempts != 2 {
		t.Fatalf("expect 2 attempts, got %d", attempts)
	}
}

func TestRetryDoesNotRetryNack(t *testing.T) {
	attempts := 0
	handler := RetryMiddleware(3, time.Millisecond, zap.NewNop())(func(ctx context.Context, req *message.Message) *message.Message {
		attempts++
		return message.New(message.NACK, req.ID, "", nil, nil)
	})
	handler(context.Background(), newReq())
	if attempts != 1 {
		t.Fatalf("expect NACK to short-circuit retries, got %d attempts", attempts)
	}
}

func TestChain(t *testing.T) {
	chained := Chain(LoggingMiddleware(zap.NewNop()), TimeOutMiddleware(500*time.Millisecond))
	handler := chained(echoHandler)
	resp := handler(context.Background(), newReq())
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if resp.Type == message.ERROR {
		t.Fatalf("expect no error, got %#v", resp.Body())
	}
}
