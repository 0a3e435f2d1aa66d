package client

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/nestora/storefront-transport/pkg/protocol"
	"github.com/nestora/storefront-transport/pkg/utils"
)

// TestSubscriptionGoroutineLeak checks that closing subscriptions releases
// the delivery and reader goroutines
func TestSubscriptionGoroutineLeak(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()
	server.OnSubscribe(func(utils.RecordedRequest) []*protocol.Message {
		return []*protocol.Message{statusFrame("PAID")}
	})

	c, _ := newTestClient(t, server)
	op := mustOperation(t, "OrderUpdates", orderUpdates, nil)

	detector := utils.NewGoroutineLeakDetector(t).
		SetAllowedGrowth(2).
		SetStabilizeDelay(100 * time.Millisecond)
	detector.Start()

	for i := 0; i < 5; i++ {
		sub, err := c.Subscribe(context.Background(), op)
		if err != nil {
			t.Fatalf("Failed to subscribe: %v", err)
		}
		<-sub.Results()
		if err := sub.Close(); err != nil {
			t.Logf("close: %v", err)
		}
	}
	server.WaitConnections()

	detector.Check()
}

// TestExecuteGoroutineLeak checks that queries, including cancelled ones,
// leave no goroutines behind
func TestExecuteGoroutineLeak(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()
	server.OnRequest(func(req utils.RecordedRequest) (int, interface{}) {
		if req.Body.OperationName == "Slow" {
			time.Sleep(50 * time.Millisecond)
		}
		return http.StatusOK, productData()
	})

	c, _ := newTestClient(t, server)

	utils.VerifyNoLeak(t, 4, func() {
		for i := 0; i < 10; i++ {
			op := mustOperation(t, "Product", productQuery, map[string]interface{}{"id": i})
			if _, err := c.Execute(context.Background(), op); err != nil {
				t.Errorf("execute: %v", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		_, _ = c.Execute(ctx, mustOperation(t, "Slow", productQuery, nil))
		time.Sleep(100 * time.Millisecond)
	})
}
