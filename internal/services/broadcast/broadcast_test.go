package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/lacylights-ledmap/internal/services/calibration"
	"github.com/bbernstein/lacylights-ledmap/internal/services/pubsub"
	"github.com/bbernstein/lacylights-ledmap/pkg/ledmap"
)

type fakeToken struct {
	err     error
	expired bool
}

func (t *fakeToken) Wait() bool                     { return !t.expired }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.expired }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu       sync.Mutex
	messages []message
	token    *fakeToken
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic, qos, retained, payload.([]byte)})
	if c.token != nil {
		return c.token
	}
	return &fakeToken{}
}

func (c *fakeClient) sent() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

func TestNew_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "ledmap/progress", New(&fakeClient{}, "").Topic("progress"))
	assert.Equal(t, "tree/map", New(&fakeClient{}, "tree").Topic("map"))
}

func TestPublishProgress(t *testing.T) {
	client := &fakeClient{}
	b := New(client, "tree")

	err := b.PublishProgress(calibration.Progress{
		RunID:  "run-1",
		Index:  3,
		Total:  10,
		Record: ledmap.Detected(3, ledmap.Point{X: 1.5, Y: 2}),
	})
	require.NoError(t, err)

	sent := client.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "tree/progress", sent[0].topic)
	assert.Equal(t, QoS, sent[0].qos)
	assert.False(t, sent[0].retained)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(sent[0].payload, &decoded))
	assert.Equal(t, "run-1", decoded["runId"])
	assert.Equal(t, float64(3), decoded["index"])
}

func TestPublishMap_Retained(t *testing.T) {
	client := &fakeClient{}
	b := New(client, "tree")

	m := &ledmap.Map{Records: []ledmap.Record{ledmap.Detected(0, ledmap.Point{X: 1, Y: 1})}}
	require.NoError(t, b.PublishMap(&calibration.Completed{RunID: "r", Phase: calibration.PhaseDone, Map: m}))

	sent := client.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "tree/map", sent[0].topic)
	assert.True(t, sent[0].retained)
	assert.Contains(t, string(sent[0].payload), `"phase":"done"`)
}

func TestPublish_Errors(t *testing.T) {
	client := &fakeClient{token: &fakeToken{expired: true}}
	err := New(client, "x").PublishDepth(map[string]int{"a": 1})
	assert.ErrorIs(t, err, ErrTimeout)

	brokerErr := errors.New("not authorized")
	client = &fakeClient{token: &fakeToken{err: brokerErr}}
	err = New(client, "x").PublishDepth(map[string]int{"a": 1})
	assert.ErrorIs(t, err, brokerErr)

	err = New(&fakeClient{}, "x").PublishDepth(make(chan int))
	assert.Error(t, err)
}

func TestForward(t *testing.T) {
	client := &fakeClient{}
	b := New(client, "tree")
	ps := pubsub.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Forward(ctx, ps)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return ps.SubscriberCount(pubsub.TopicCalibrationCompleted) == 1
	}, time.Second, 5*time.Millisecond)

	ps.Publish(pubsub.TopicCalibrationProgress, "r", calibration.Progress{RunID: "r", Total: 1})
	ps.Publish(pubsub.TopicCalibrationCompleted, "r", &calibration.Completed{RunID: "r"})

	require.Eventually(t, func() bool { return len(client.sent()) == 2 }, time.Second, 5*time.Millisecond)
	topics := []string{client.sent()[0].topic, client.sent()[1].topic}
	assert.ElementsMatch(t, []string{"tree/progress", "tree/map"}, topics)

	cancel()
	<-done
	assert.Zero(t, ps.SubscriberCount(pubsub.TopicCalibrationProgress))
}
