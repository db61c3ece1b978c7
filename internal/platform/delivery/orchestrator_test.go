package delivery

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type memRecorder struct {
	mu       sync.Mutex
	attempts []*Attempt
	fail     bool
}

func (r *memRecorder) AppendAttempt(_ context.Context, a *Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("store down")
	}
	r.attempts = append(r.attempts, a)
	return nil
}

func testOccurrence() Occurrence {
	return Occurrence{
		ReminderID: uuid.New(),
		Recipient:  Recipient{ID: uuid.New(), Phone: "9876543210"},
		Message:    Message{Title: "Medication", Body: "Take 1 tablet"},
		Locale:     "en",
	}
}

var testNow = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func TestDeliver_FallbackOrder(t *testing.T) {
	sender := NewMockSender("a", "b", "c")
	sender.SetFailure("a", "30003")
	sender.SetFailure("b", "30005")
	rec := &memRecorder{}
	o := NewOrchestrator(sender, rec, zerolog.New(io.Discard))

	out, err := o.Deliver(context.Background(), testOccurrence(), []string{"a", "b", "c"}, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Succeeded || out.Channel != "c" {
		t.Fatalf("expected success on c, got succeeded=%v channel=%q", out.Succeeded, out.Channel)
	}

	want := []struct {
		channel string
		ok      bool
		code    string
	}{
		{"a", false, "30003"},
		{"b", false, "30005"},
		{"c", true, ""},
	}
	if len(out.Attempts) != len(want) {
		t.Fatalf("expected %d attempts, got %d", len(want), len(out.Attempts))
	}
	for i, w := range want {
		a := out.Attempts[i]
		if a.Channel != w.channel || a.Succeeded != w.ok || a.FailureCode != w.code {
			t.Errorf("attempt %d = %s/%v/%s, want %s/%v/%s", i, a.Channel, a.Succeeded, a.FailureCode, w.channel, w.ok, w.code)
		}
		if !a.AttemptedAt.Equal(testNow) {
			t.Errorf("attempt %d timestamp = %v, want %v", i, a.AttemptedAt, testNow)
		}
	}
	if out.Attempts[2].ProviderRef == "" {
		t.Error("expected provider ref on successful attempt")
	}

	if len(rec.attempts) != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", len(rec.attempts))
	}
	for i := range rec.attempts {
		if rec.attempts[i] != out.Attempts[i] {
			t.Errorf("recorded attempt %d out of order", i)
		}
	}

	calls := sender.Calls()
	if len(calls) != 3 || calls[0].Channel != "a" || calls[1].Channel != "b" || calls[2].Channel != "c" {
		t.Errorf("unexpected send order: %+v", calls)
	}
}

func TestDeliver_StopsAtFirstSuccess(t *testing.T) {
	sender := NewMockSender(ChannelWhatsApp, ChannelSMS)
	o := NewOrchestrator(sender, nil, zerolog.New(io.Discard))

	out, err := o.Deliver(context.Background(), testOccurrence(), []string{ChannelWhatsApp, ChannelSMS}, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Channel != ChannelWhatsApp || len(out.Attempts) != 1 {
		t.Errorf("expected single whatsapp attempt, got channel=%q attempts=%d", out.Channel, len(out.Attempts))
	}
	if len(sender.Calls()) != 1 {
		t.Errorf("sms must not be tried after whatsapp success")
	}
}

func TestDeliver_AllChannelsFail(t *testing.T) {
	sender := NewMockSender(ChannelWhatsApp, ChannelSMS)
	sender.SetFailure(ChannelWhatsApp, "63016")
	sender.SetFailure(ChannelSMS, "21211")
	o := NewOrchestrator(sender, nil, zerolog.New(io.Discard))

	out, err := o.Deliver(context.Background(), testOccurrence(), []string{ChannelWhatsApp, ChannelSMS}, testNow)
	if err != nil {
		t.Fatalf("exhausting channels must not be an error, got %v", err)
	}
	if out.Succeeded || out.Channel != "" {
		t.Errorf("expected overall failure, got %+v", out)
	}
	if len(out.Attempts) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(out.Attempts))
	}
}

func TestDeliver_EmptyChannelList(t *testing.T) {
	o := NewOrchestrator(NewMockSender(ChannelSMS), nil, zerolog.New(io.Discard))
	_, err := o.Deliver(context.Background(), testOccurrence(), nil, testNow)
	if !errors.Is(err, ErrNoChannels) {
		t.Fatalf("expected ErrNoChannels, got %v", err)
	}
}

func TestDeliver_UnknownChannelFailsBeforeSending(t *testing.T) {
	sender := NewMockSender(ChannelSMS)
	o := NewOrchestrator(sender, nil, zerolog.New(io.Discard))

	_, err := o.Deliver(context.Background(), testOccurrence(), []string{ChannelSMS, "pigeon"}, testNow)
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
	if len(sender.Calls()) != 0 {
		t.Errorf("no channel should be tried when the list is malformed, got %d calls", len(sender.Calls()))
	}
}

func TestDeliver_RecorderFailureDoesNotFailDelivery(t *testing.T) {
	o := NewOrchestrator(NewMockSender(ChannelSMS), &memRecorder{fail: true}, zerolog.New(io.Discard))
	out, err := o.Deliver(context.Background(), testOccurrence(), []string{ChannelSMS}, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Succeeded {
		t.Error("delivery should succeed even when the attempt log is unavailable")
	}
}

func TestDeliver_CanceledContextRecordsFailures(t *testing.T) {
	sender := NewMockSender(ChannelSMS, ChannelEmail)
	o := NewOrchestrator(sender, nil, zerolog.New(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := o.Deliver(ctx, testOccurrence(), []string{ChannelSMS, ChannelEmail}, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Succeeded {
		t.Error("expected failure with canceled context")
	}
	for _, a := range out.Attempts {
		if a.FailureCode != CodeCanceled {
			t.Errorf("expected code %q, got %q", CodeCanceled, a.FailureCode)
		}
	}
	if len(sender.Calls()) != 0 {
		t.Error("sender should not be called with a canceled context")
	}
}

func TestDeliver_PacesFallbackChannels(t *testing.T) {
	sender := NewMockSender(ChannelWhatsApp, ChannelSMS, ChannelEmail)
	sender.SetFailure(ChannelWhatsApp, "63016")
	sender.SetFailure(ChannelSMS, "21211")
	var (
		mu    sync.Mutex
		sends []time.Time
	)
	sender.Hook = func(string) {
		mu.Lock()
		sends = append(sends, time.Now())
		mu.Unlock()
	}
	o := NewOrchestrator(sender, nil, zerolog.New(io.Discard))
	o.SetPacer(NewPacer(25 * time.Millisecond))

	out, err := o.Deliver(context.Background(), testOccurrence(), []string{ChannelWhatsApp, ChannelSMS, ChannelEmail}, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Succeeded || out.Channel != ChannelEmail {
		t.Fatalf("expected success on email, got %+v", out)
	}
	if len(sends) != 3 {
		t.Fatalf("expected 3 provider calls, got %d", len(sends))
	}
	for i := 1; i < len(sends); i++ {
		if gap := sends[i].Sub(sends[i-1]); gap < 20*time.Millisecond {
			t.Errorf("fallback call %d started %v after the previous one, want at least 20ms", i, gap)
		}
	}
}

func TestDeliver_PacingFailureBeforeFirstSend(t *testing.T) {
	sender := NewMockSender(ChannelSMS)
	rec := &memRecorder{}
	o := NewOrchestrator(sender, rec, zerolog.New(io.Discard))
	pacer := NewPacer(time.Hour)
	if err := pacer.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	o.SetPacer(pacer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, err := o.Deliver(ctx, testOccurrence(), []string{ChannelSMS}, testNow)
	if err == nil {
		t.Fatalf("expected a pacing error, got %+v", out)
	}
	if len(sender.Calls()) != 0 || len(rec.attempts) != 0 {
		t.Errorf("nothing should be sent or recorded, got %d calls and %d attempts", len(sender.Calls()), len(rec.attempts))
	}
}

func TestDeliver_PacingFailureOnFallbackIsAnAttempt(t *testing.T) {
	sender := NewMockSender(ChannelWhatsApp, ChannelSMS)
	sender.SetFailure(ChannelWhatsApp, "63016")
	rec := &memRecorder{}
	o := NewOrchestrator(sender, rec, zerolog.New(io.Discard))
	o.SetPacer(NewPacer(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, err := o.Deliver(ctx, testOccurrence(), []string{ChannelWhatsApp, ChannelSMS}, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Succeeded || len(out.Attempts) != 2 {
		t.Fatalf("expected two failed attempts, got %+v", out)
	}
	if out.Attempts[1].Channel != ChannelSMS || out.Attempts[1].Error == "" {
		t.Errorf("unpaced fallback should be recorded as failed, got %+v", out.Attempts[1])
	}
	if calls := sender.Calls(); len(calls) != 1 || calls[0].Channel != ChannelWhatsApp {
		t.Errorf("only whatsapp should reach the provider, got %+v", calls)
	}
	if len(rec.attempts) != 2 {
		t.Errorf("expected 2 recorded attempts, got %d", len(rec.attempts))
	}
}

func TestRegistry_RoutesByChannel(t *testing.T) {
	reg := NewRegistry()
	var got string
	reg.Register("SMS", ChannelSenderFunc(func(_ context.Context, to Recipient, msg Message) (Receipt, error) {
		got = msg.Body
		return Receipt{ProviderRef: "SM1"}, nil
	}))

	if !reg.Supports("sms") || !reg.Supports(" Sms ") {
		t.Error("expected registry to normalise channel names")
	}
	r, err := reg.Send(context.Background(), "sms", Recipient{}, Message{Body: "hello"})
	if err != nil || r.ProviderRef != "SM1" || got != "hello" {
		t.Errorf("unexpected send result: %v %+v %q", err, r, got)
	}
	if _, err := reg.Send(context.Background(), "fax", Recipient{}, Message{}); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
	if chans := reg.Channels(); len(chans) != 1 || chans[0] != "sms" {
		t.Errorf("unexpected channels: %v", chans)
	}
}

func TestFailureCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&SendError{Channel: "sms", Code: "21610", Err: errors.New("unsubscribed")}, "21610"},
		{ErrNoAddress, CodeNoAddress},
		{context.DeadlineExceeded, CodeCanceled},
		{errors.New("boom"), CodeUnknown},
	}
	for _, tc := range cases {
		if got := FailureCode(tc.err); got != tc.want {
			t.Errorf("FailureCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
