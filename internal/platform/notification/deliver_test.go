package notification

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type EmailCall struct {
	To      string
	Subject string
	Body    string
}

type mockEmailSender struct {
	mu    sync.Mutex
	calls []EmailCall
	err   error
}

func (m *mockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	return m.err
}

type fakeRedis struct {
	redis.UniversalClient
	channel   string
	message   []byte
	receivers int64
	err       error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.message, _ = message.([]byte)
	return redis.NewIntResult(f.receivers, f.err)
}

func testJob(ch Channel) *Job {
	return &Job{
		ID:        42,
		Type:      TypeAuthorizationRequest,
		Channel:   ch,
		Recipient: "ana@example.com",
		Attempts:  1,
		Payload:   Payload{Title: "Access request", Body: "Please review", Data: map[string]any{DataGrantID: "g-1"}},
	}
}

func TestEmailDeliverer(t *testing.T) {
	sender := &mockEmailSender{}
	d := NewEmailDeliverer(sender)
	if err := d.Deliver(context.Background(), testJob(ChannelEmail)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("expected 1 email, got %d", len(sender.calls))
	}
	call := sender.calls[0]
	if call.To != "ana@example.com" || call.Subject != "Access request" || call.Body != "Please review" {
		t.Errorf("unexpected email: %+v", call)
	}

	sender.err = errors.New("smtp: 451")
	if err := d.Deliver(context.Background(), testJob(ChannelEmail)); err == nil {
		t.Error("expected sender error to propagate")
	}
}

func TestSMTPEmailSender_CancelledContext(t *testing.T) {
	s := NewSMTPEmailSender(SMTPConfig{Host: "127.0.0.1", Port: 1, From: "noreply@example.com"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendEmail(ctx, "a@example.com", "s", "b"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPushDeliverer(t *testing.T) {
	rdb := &fakeRedis{receivers: 1}
	d := NewPushDeliverer(rdb)
	j := testJob(ChannelPush)
	j.Recipient = "subject-9"

	if err := d.Deliver(context.Background(), j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rdb.channel != PushChannelPrefix+"subject-9" {
		t.Errorf("channel = %q", rdb.channel)
	}
	var msg PushMessage
	if err := json.Unmarshal(rdb.message, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.JobID != 42 || msg.Data[DataGrantID] != "g-1" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestPushDeliverer_NoSubscriber(t *testing.T) {
	d := NewPushDeliverer(&fakeRedis{receivers: 0})
	err := d.Deliver(context.Background(), testJob(ChannelPush))
	if err == nil || !strings.Contains(err.Error(), "no push gateway") {
		t.Errorf("expected no-subscriber error, got %v", err)
	}
}

func TestPushDeliverer_PublishError(t *testing.T) {
	d := NewPushDeliverer(&fakeRedis{err: errors.New("connection refused")})
	if err := d.Deliver(context.Background(), testJob(ChannelPush)); err == nil {
		t.Error("expected publish error")
	}
}

func TestRouter(t *testing.T) {
	sender := &mockEmailSender{}
	r := Router{
		ChannelEmail: NewEmailDeliverer(sender),
		ChannelLog:   NewLogDeliverer(zerolog.Nop()),
	}
	if err := r.Deliver(context.Background(), testJob(ChannelEmail)); err != nil {
		t.Fatal(err)
	}
	if err := r.Deliver(context.Background(), testJob(ChannelLog)); err != nil {
		t.Fatal(err)
	}
	if err := r.Deliver(context.Background(), testJob(ChannelPush)); err == nil {
		t.Error("expected error for unrouted channel")
	}
	if len(sender.calls) != 1 {
		t.Errorf("email calls = %d, want 1", len(sender.calls))
	}
}
