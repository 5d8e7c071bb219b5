package agent

import (
	"sync"
	"testing"
	"time"
)

func TestSendWithoutConnIsNoop(t *testing.T) {
	client := NewClient("ws://localhost:8080/ws", "agent_key", time.Minute)
	client.send("heartbeat", map[string]any{})
}

func TestConnSwapDuringSend(t *testing.T) {
	client := NewClient("ws://localhost:8080/ws", "agent_key", time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				client.send("heartbeat", map[string]any{})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				client.setConn(nil)
			}
		}()
	}
	wg.Wait()
}
