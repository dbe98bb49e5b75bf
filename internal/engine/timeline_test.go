package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
)

const (
	testSelfID = "u-self"
	testPeerID = "u-peer"
	testChatID = "c-1"
)

type fakeLoader struct {
	messages []*domain.Message
	err      error
	calls    int
}

func (f *fakeLoader) Messages(ctx context.Context, chatID string, limit, page int) ([]*domain.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*domain.Message, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

func newTestTimeline(loader *fakeLoader) *Timeline {
	if loader == nil {
		loader = &fakeLoader{}
	}
	return NewTimeline(testChatID, testSelfID, loader, domain.NewEventBus(), zerolog.Nop())
}

func peerMsg(id string, sentAt time.Time) *domain.Message {
	return domain.NewIncomingMessage(id, testChatID, testPeerID, "text "+id, domain.MessageKindText, sentAt)
}

func selfMsg(id, content string, sentAt time.Time) *domain.Message {
	m := domain.NewIncomingMessage(id, testChatID, testSelfID, content, domain.MessageKindText, sentAt)
	m.ReadState = domain.ReadStateDelivered
	return m
}

func assertOrdered(t *testing.T, msgs []*domain.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Less(msgs[i-1]) {
			t.Fatalf("timeline out of order at %d: %s(%v) before %s(%v)",
				i, msgs[i-1].ID, msgs[i-1].SentAt, msgs[i].ID, msgs[i].SentAt)
		}
	}
}

func TestTimelineReceiveIncoming(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("duplicate ids are dropped", func(t *testing.T) {
		tl := newTestTimeline(nil)
		msg := peerMsg("m1", base)

		if !tl.ReceiveIncoming(msg) {
			t.Fatal("first delivery should change the timeline")
		}
		if tl.ReceiveIncoming(peerMsg("m1", base.Add(time.Second))) {
			t.Fatal("second delivery of the same id should be a no-op")
		}
		if got := len(tl.Messages()); got != 1 {
			t.Fatalf("expected 1 message, got %d", got)
		}
	})

	t.Run("echo replaces pending optimistic entry", func(t *testing.T) {
		tl := newTestTimeline(nil)
		pending := tl.SendOptimistic("hey there", domain.MessageKindText)

		echo := selfMsg("srv-1", "hey there", base)
		if !tl.ReceiveIncoming(echo) {
			t.Fatal("echo should change the timeline")
		}

		msgs := tl.Messages()
		if len(msgs) != 1 {
			t.Fatalf("expected echo to replace, not append; got %d messages", len(msgs))
		}
		if msgs[0].ID != "srv-1" {
			t.Fatalf("expected server copy to win, got id %s", msgs[0].ID)
		}
		if msgs[0].ID == pending.ID {
			t.Fatal("transient id should be gone after echo")
		}
	})

	t.Run("peer message with same content is appended", func(t *testing.T) {
		tl := newTestTimeline(nil)
		tl.SendOptimistic("same words", domain.MessageKindText)

		incoming := peerMsg("m2", base)
		incoming.Content = "same words"
		tl.ReceiveIncoming(incoming)

		if got := len(tl.Messages()); got != 2 {
			t.Fatalf("peer message must never replace a local pending entry; got %d messages", got)
		}
	})

	t.Run("wrong chat is ignored", func(t *testing.T) {
		tl := newTestTimeline(nil)
		msg := peerMsg("m3", base)
		msg.ChatID = "c-other"
		if tl.ReceiveIncoming(msg) {
			t.Fatal("message for another chat should not change this timeline")
		}
	})

	t.Run("ordering holds under random interleaving", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		tl := newTestTimeline(nil)

		var msgs []*domain.Message
		for i := 0; i < 40; i++ {
			msgs = append(msgs, peerMsg(fmt.Sprintf("m%03d", i), base.Add(time.Duration(rng.Intn(600))*time.Second)))
		}
		rng.Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })

		for _, m := range msgs {
			tl.ReceiveIncoming(m)
		}
		assertOrdered(t, tl.Messages())
	})

	t.Run("equal timestamps tie-break by id", func(t *testing.T) {
		tl := newTestTimeline(nil)
		tl.ReceiveIncoming(peerMsg("bbb", base))
		tl.ReceiveIncoming(peerMsg("aaa", base))

		msgs := tl.Messages()
		if msgs[0].ID != "aaa" || msgs[1].ID != "bbb" {
			t.Fatalf("expected id tie-break, got %s, %s", msgs[0].ID, msgs[1].ID)
		}
	})
}

func TestTimelineLoad(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("returns peer unread ids", func(t *testing.T) {
		loader := &fakeLoader{messages: []*domain.Message{
			peerMsg("m1", base),
			selfMsg("m2", "mine", base.Add(time.Minute)),
			peerMsg("m3", base.Add(2*time.Minute)),
		}}
		tl := newTestTimeline(loader)

		unseen, err := tl.Load(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sort.Strings(unseen)
		if len(unseen) != 2 || unseen[0] != "m1" || unseen[1] != "m3" {
			t.Fatalf("expected unread peer ids [m1 m3], got %v", unseen)
		}
	})

	t.Run("failure preserves current content", func(t *testing.T) {
		tl := newTestTimeline(&fakeLoader{err: fmt.Errorf("network down")})
		tl.Seed([]*domain.Message{peerMsg("m1", base)})

		if _, err := tl.Load(context.Background()); err == nil {
			t.Fatal("expected load error")
		}
		if got := len(tl.Messages()); got != 1 {
			t.Fatalf("failed load must keep existing messages, got %d", got)
		}
	})

	t.Run("carries transient entries across reload", func(t *testing.T) {
		loader := &fakeLoader{messages: []*domain.Message{peerMsg("m1", base)}}
		tl := newTestTimeline(loader)
		pending := tl.SendOptimistic("in flight", domain.MessageKindText)

		if _, err := tl.Load(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		msgs := tl.Messages()
		if len(msgs) != 2 {
			t.Fatalf("expected transient entry carried over, got %d messages", len(msgs))
		}
		found := false
		for _, m := range msgs {
			if m.ID == pending.ID {
				found = true
			}
		}
		if !found {
			t.Fatal("transient entry lost on reload")
		}
	})

	t.Run("drops transient when page contains the echo", func(t *testing.T) {
		loader := &fakeLoader{}
		tl := newTestTimeline(loader)
		tl.SendOptimistic("landed", domain.MessageKindText)
		loader.messages = []*domain.Message{selfMsg("srv-9", "landed", base)}

		if _, err := tl.Load(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		msgs := tl.Messages()
		if len(msgs) != 1 || msgs[0].ID != "srv-9" {
			t.Fatalf("expected only the confirmed copy, got %d messages", len(msgs))
		}
	})

	t.Run("seed never overwrites loaded content", func(t *testing.T) {
		loader := &fakeLoader{messages: []*domain.Message{peerMsg("m1", base)}}
		tl := newTestTimeline(loader)
		if _, err := tl.Load(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		tl.Seed([]*domain.Message{peerMsg("stale", base.Add(-time.Hour))})
		if got := len(tl.Messages()); got != 1 {
			t.Fatalf("seed after load must be a no-op, got %d messages", got)
		}
	})
}

func TestTimelineSendLifecycle(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("confirm swaps in server copy", func(t *testing.T) {
		tl := newTestTimeline(nil)
		pending := tl.SendOptimistic("hello", domain.MessageKindText)

		tl.ConfirmSend(pending.ID, selfMsg("srv-1", "hello", base))

		msgs := tl.Messages()
		if len(msgs) != 1 || msgs[0].ID != "srv-1" {
			t.Fatalf("expected confirmed copy only, got %+v", msgs)
		}
		if msgs[0].Transient() {
			t.Fatal("confirmed entry still looks transient")
		}
	})

	t.Run("confirm after echo drops the transient", func(t *testing.T) {
		tl := newTestTimeline(nil)
		pending := tl.SendOptimistic("hello", domain.MessageKindText)
		// Echo arrives first via a different code path than the usual
		// content match, e.g. after a reload replaced the list.
		tl.ReceiveIncoming(peerMsg("other", base))
		echo := selfMsg("srv-1", "different words", base.Add(time.Second))
		tl.ReceiveIncoming(echo)

		tl.ConfirmSend(pending.ID, echo)

		ids := map[string]int{}
		for _, m := range tl.Messages() {
			ids[m.ID]++
		}
		if ids["srv-1"] != 1 {
			t.Fatalf("expected exactly one confirmed copy, got %d", ids["srv-1"])
		}
		if ids[pending.ID] != 0 {
			t.Fatal("transient entry should be gone")
		}
	})

	t.Run("failed send stays visible until retried or discarded", func(t *testing.T) {
		tl := newTestTimeline(nil)
		pending := tl.SendOptimistic("wont make it", domain.MessageKindText)
		tl.FailSend(pending.ID)

		msgs := tl.Messages()
		if len(msgs) != 1 || !msgs[0].Failed || msgs[0].Pending {
			t.Fatalf("expected a visible failed entry, got %+v", msgs[0])
		}

		retry, ok := tl.MarkRetrying(pending.ID)
		if !ok || retry.Content != "wont make it" {
			t.Fatalf("expected retry to return the original content, got %+v", retry)
		}
		if msgs := tl.Messages(); msgs[0].Failed || !msgs[0].Pending {
			t.Fatalf("retrying entry should be pending again, got %+v", msgs[0])
		}

		tl.FailSend(pending.ID)
		if !tl.DiscardFailed(pending.ID) {
			t.Fatal("discard should succeed on a failed entry")
		}
		if got := len(tl.Messages()); got != 0 {
			t.Fatalf("expected empty timeline after discard, got %d", got)
		}
	})

	t.Run("discard refuses non-failed entries", func(t *testing.T) {
		tl := newTestTimeline(nil)
		pending := tl.SendOptimistic("in flight", domain.MessageKindText)
		if tl.DiscardFailed(pending.ID) {
			t.Fatal("a pending entry must not be discardable")
		}
	})
}

func TestTimelineReadReceipts(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("peer receipt marks own messages read", func(t *testing.T) {
		tl := newTestTimeline(nil)
		tl.ReceiveIncoming(selfMsg("m1", "a", base))
		tl.ReceiveIncoming(selfMsg("m2", "b", base.Add(time.Minute)))
		tl.ReceiveIncoming(peerMsg("m3", base.Add(2*time.Minute)))

		tl.ApplyReadReceipt([]string{"m1", "m2", "m3", "unknown"}, testPeerID)

		for _, m := range tl.Messages() {
			if m.SenderID == testSelfID && m.ReadState != domain.ReadStateRead {
				t.Fatalf("own message %s not marked read", m.ID)
			}
			if m.SenderID == testPeerID && m.ReadState == domain.ReadStateRead {
				t.Fatalf("peer message %s must not flip on the peer's receipt", m.ID)
			}
		}
	})

	t.Run("own receipt echo is a no-op", func(t *testing.T) {
		tl := newTestTimeline(nil)
		tl.ReceiveIncoming(selfMsg("m1", "a", base))
		tl.ApplyReadReceipt([]string{"m1"}, testSelfID)
		if tl.Messages()[0].ReadState == domain.ReadStateRead {
			t.Fatal("self receipt must not mark own message read")
		}
	})

	t.Run("local read marks peer messages", func(t *testing.T) {
		tl := newTestTimeline(nil)
		tl.ReceiveIncoming(peerMsg("m1", base))
		tl.ApplyLocalRead([]string{"m1"})
		if tl.Messages()[0].ReadState != domain.ReadStateRead {
			t.Fatal("local read should mark peer message read")
		}
		if got := tl.UnreadFromPeer(); got != 0 {
			t.Fatalf("expected 0 unread, got %d", got)
		}
	})
}

func TestTimelineLastMessage(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("skips transient entries", func(t *testing.T) {
		tl := newTestTimeline(nil)
		tl.ReceiveIncoming(peerMsg("m1", base))
		tl.SendOptimistic("later but unconfirmed", domain.MessageKindText)

		last := tl.LastMessage()
		if last == nil || last.ID != "m1" {
			t.Fatalf("expected confirmed m1 as last message, got %+v", last)
		}
	})

	t.Run("falls back to transient when nothing confirmed", func(t *testing.T) {
		tl := newTestTimeline(nil)
		pending := tl.SendOptimistic("only entry", domain.MessageKindText)
		last := tl.LastMessage()
		if last == nil || last.ID != pending.ID {
			t.Fatalf("expected transient fallback, got %+v", last)
		}
	})

	t.Run("nil on empty timeline", func(t *testing.T) {
		tl := newTestTimeline(nil)
		if tl.LastMessage() != nil {
			t.Fatal("expected nil on empty timeline")
		}
	})
}
