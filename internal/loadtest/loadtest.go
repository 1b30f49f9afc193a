// Package loadtest generates chat load against a relay and measures
// broadcast fan-out.
package loadtest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/relaychat/internal/client"
)

// payloadPrefix tags load messages so join and leave notices are ignored.
const payloadPrefix = "lt"

// Metrics contains the results of a load run.
type Metrics struct {
	Clients           int
	MessagesPerClient int

	Connected      int64
	FailedConnects int64

	MessagesSent     int64
	FailedSends      int64
	MessagesExpected int64
	MessagesReceived int64

	AvgLatencyMs float64
	MaxLatencyMs float64
	MinLatencyMs float64

	Duration            time.Duration
	DeliveriesPerSecond float64
}

// DeliveryRatio is received over expected deliveries.
func (m *Metrics) DeliveryRatio() float64 {
	if m.MessagesExpected == 0 {
		return 0
	}
	return float64(m.MessagesReceived) / float64(m.MessagesExpected)
}

// DialFunc connects and handshakes one client.
type DialFunc func(ctx context.Context) (*client.Client, error)

// Generator connects a fixed set of clients and has each send a fixed
// number of messages. Every message is expected at every client, the sender
// included.
type Generator struct {
	clients  int
	messages int
	interval time.Duration

	mu         sync.Mutex
	latencySum float64
	metrics    Metrics
}

// NewGenerator creates a generator. interval spaces each client's sends.
func NewGenerator(clients, messages int, interval time.Duration) *Generator {
	return &Generator{
		clients:  clients,
		messages: messages,
		interval: interval,
		metrics: Metrics{
			Clients:           clients,
			MessagesPerClient: messages,
			MinLatencyMs:      float64(^uint64(0) >> 1),
		},
	}
}

// Run executes the load test. It returns once every expected message has
// arrived or ctx is done; a cancelled run still reports what was measured.
func (g *Generator) Run(ctx context.Context, dial DialFunc) (*Metrics, error) {
	if g.clients <= 0 || g.messages < 0 {
		return nil, fmt.Errorf("loadtest: need at least one client and a non-negative message count")
	}

	conns := make([]*client.Client, 0, g.clients)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	for i := 0; i < g.clients; i++ {
		c, err := g.join(ctx, dial)
		if err != nil {
			atomic.AddInt64(&g.metrics.FailedConnects, 1)
			continue
		}
		conns = append(conns, c)
	}
	g.metrics.Connected = int64(len(conns))
	if len(conns) == 0 {
		return &g.metrics, fmt.Errorf("loadtest: no client connected")
	}

	perClient := int64(len(conns) * g.messages)
	g.metrics.MessagesExpected = perClient * int64(len(conns))

	startTime := time.Now()

	var recvWG sync.WaitGroup
	for _, c := range conns {
		recvWG.Add(1)
		go func(c *client.Client) {
			defer recvWG.Done()
			g.receive(ctx, c, perClient)
		}(c)
	}

	var sendWG sync.WaitGroup
	for i, c := range conns {
		sendWG.Add(1)
		go func(id int, c *client.Client) {
			defer sendWG.Done()
			g.send(ctx, id, c)
		}(i, c)
	}

	sendWG.Wait()
	recvWG.Wait()

	g.metrics.Duration = time.Since(startTime)
	if seconds := g.metrics.Duration.Seconds(); seconds > 0 {
		g.metrics.DeliveriesPerSecond = float64(g.metrics.MessagesReceived) / seconds
	}
	if g.metrics.MessagesReceived > 0 {
		g.metrics.AvgLatencyMs = g.latencySum / float64(g.metrics.MessagesReceived)
	} else {
		g.metrics.MinLatencyMs = 0
	}

	return &g.metrics, nil
}

// join dials a client and waits for its own join notice, after which the
// relay delivers every broadcast to it.
func (g *Generator) join(ctx context.Context, dial DialFunc) (*client.Client, error) {
	c, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	env, err := c.Receive(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	if env.AuthorID != 0 || !strings.HasSuffix(env.Content, " connected") {
		c.Close()
		return nil, fmt.Errorf("loadtest: unexpected first envelope %q", env.Content)
	}
	return c, nil
}

func (g *Generator) send(ctx context.Context, id int, c *client.Client) {
	for seq := 0; seq < g.messages; seq++ {
		if seq > 0 && g.interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(g.interval):
			}
		}

		content := fmt.Sprintf("%s %d %d %d", payloadPrefix, id, seq, time.Now().UnixNano())
		if err := c.SendMessage(ctx, content); err != nil {
			atomic.AddInt64(&g.metrics.FailedSends, 1)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		atomic.AddInt64(&g.metrics.MessagesSent, 1)
	}
}

func (g *Generator) receive(ctx context.Context, c *client.Client, want int64) {
	var got int64
	for got < want {
		env, err := c.Receive(ctx)
		if err != nil {
			return
		}
		sentAt, ok := parsePayload(env.Content)
		if !ok {
			continue
		}
		got++
		g.record(time.Since(sentAt))
	}
}

func (g *Generator) record(latency time.Duration) {
	ms := float64(latency.Microseconds()) / 1000

	g.mu.Lock()
	defer g.mu.Unlock()

	g.metrics.MessagesReceived++
	g.latencySum += ms
	if ms > g.metrics.MaxLatencyMs {
		g.metrics.MaxLatencyMs = ms
	}
	if ms < g.metrics.MinLatencyMs {
		g.metrics.MinLatencyMs = ms
	}
}

// parsePayload extracts the send time from a load message.
func parsePayload(content string) (time.Time, bool) {
	fields := strings.Fields(content)
	if len(fields) != 4 || fields[0] != payloadPrefix {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
