package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQSMessage struct {
	ID         string
	Body       string
	RoutingKey string
}

// fakeSQS speaks the JSON protocol for SendMessage, ReceiveMessage and DeleteMessage
type fakeSQS struct {
	mu      sync.Mutex
	queue   []fakeSQSMessage
	deleted []string
	nextID  int
}

func (f *fakeSQS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimPrefix(r.Header.Get("X-Amz-Target"), "AmazonSQS.")
	var in map[string]any
	_ = json.NewDecoder(r.Body).Decode(&in)

	w.Header().Set("Content-Type", "application/x-amz-json-1.0")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch target {
	case "SendMessage":
		f.nextID++
		msg := fakeSQSMessage{ID: fmt.Sprintf("msg-%d", f.nextID), Body: in["MessageBody"].(string)}
		if attrs, ok := in["MessageAttributes"].(map[string]any); ok {
			if rk, ok := attrs[RoutingKeyAttribute].(map[string]any); ok {
				msg.RoutingKey, _ = rk["StringValue"].(string)
			}
		}
		f.queue = append(f.queue, msg)
		json.NewEncoder(w).Encode(map[string]any{"MessageId": msg.ID})

	case "ReceiveMessage":
		if len(f.queue) == 0 {
			f.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			f.mu.Lock()
			w.Write([]byte(`{}`))
			return
		}
		msg := f.queue[0]
		f.queue = f.queue[1:]
		out := map[string]any{
			"MessageId":     msg.ID,
			"ReceiptHandle": "rh-" + msg.ID,
			"Body":          msg.Body,
		}
		if msg.RoutingKey != "" {
			out["MessageAttributes"] = map[string]any{
				RoutingKeyAttribute: map[string]any{"DataType": "String", "StringValue": msg.RoutingKey},
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"Messages": []any{out}})

	case "DeleteMessage":
		f.deleted = append(f.deleted, in["ReceiptHandle"].(string))
		w.Write([]byte(`{}`))

	default:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"__type":"InvalidAction","message":"unsupported %s"}`, target)
	}
}

func newFakeSQSClient(t *testing.T) (*SQSClient, *fakeSQS) {
	t.Helper()
	fake := &fakeSQS{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := NewSQSClient(context.Background(), SQSConfig{
		QueueURL:        srv.URL + "/000000000000/journal-events",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)
	return client, fake
}

func TestSQSClient_PublishReceiveAck(t *testing.T) {
	client, fake := newFakeSQSClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Publish(ctx, "journal.completed", []byte(`{"job_id":"j1"}`)))

	msg, err := client.Receive(ctx, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", msg.ID())
	assert.JSONEq(t, `{"job_id":"j1"}`, string(msg.Body()))
	assert.Equal(t, "journal.completed", msg.(*sqsMessage).RoutingKey())

	require.NoError(t, client.Ack(ctx, msg))
	fake.mu.Lock()
	assert.Equal(t, []string{"rh-msg-1"}, fake.deleted)
	fake.mu.Unlock()
}

func TestSQSClient_ReceiveWaitsForMessage(t *testing.T) {
	client, _ := newFakeSQSClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = client.Publish(context.Background(), "", []byte(`late`))
	}()

	msg, err := client.Receive(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "late", string(msg.Body()))
}

func TestSQSClient_ReceiveContextCancelled(t *testing.T) {
	client, _ := newFakeSQSClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Receive(ctx, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSQSClient_AckForeignMessage(t *testing.T) {
	client, _ := newFakeSQSClient(t)
	err := client.Ack(context.Background(), &pooledRabbitMQMessage{})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestNewSQSClient_RequiresQueueURL(t *testing.T) {
	_, err := NewSQSClient(context.Background(), SQSConfig{})
	assert.Error(t, err)
}
