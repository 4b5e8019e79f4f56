package feed

import (
	"testing"

	"vpn-console/internal/model"
)

func accountEvent(id string, balance int64) model.ChangeEvent {
	return model.ChangeEvent{
		Collection: model.CollectionAccounts,
		DocumentID: id,
		Account:    &model.Account{ID: id, Balance: balance},
	}
}

func TestFeed_SubscribePublishCancel(t *testing.T) {
	f := NewWithOptions(Options{InstanceID: "node-a"})
	sub := f.Subscribe(model.CollectionAccounts, nil)

	f.Publish(accountEvent("a1", 10))
	ev := <-sub.C
	if ev.DocumentID != "a1" || ev.Account.Balance != 10 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Origin != "node-a" {
		t.Fatalf("expected origin node-a, got %q", ev.Origin)
	}
	if ev.At.IsZero() {
		t.Fatalf("expected event time to be stamped")
	}

	sub.Cancel()
	sub.Cancel()
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected channel closed after cancel")
	}
	if f.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", f.SubscriberCount())
	}
	f.Publish(accountEvent("a1", 11))
}

func TestFeed_PerDocumentOrder(t *testing.T) {
	f := New()
	sub := f.Subscribe(model.CollectionAccounts, ForDocument("a1"))
	defer sub.Cancel()

	for i := int64(1); i <= 5; i++ {
		f.Publish(accountEvent("a1", i))
		f.Publish(accountEvent("a2", -i))
	}
	for i := int64(1); i <= 5; i++ {
		ev := <-sub.C
		if ev.DocumentID != "a1" || ev.Account.Balance != i {
			t.Fatalf("expected a1 balance %d, got %+v", i, ev)
		}
	}
}

func TestFeed_CollectionsAreIsolated(t *testing.T) {
	f := New()
	accounts := f.Subscribe(model.CollectionAccounts, nil)
	all := f.SubscribeAll(nil)
	defer accounts.Cancel()
	defer all.Cancel()

	f.Publish(model.ChangeEvent{Collection: model.CollectionWithdrawals, DocumentID: "w1", Withdrawal: &model.Withdrawal{ID: "w1"}})

	select {
	case ev := <-accounts.C:
		t.Fatalf("accounts subscriber got %+v", ev)
	default:
	}
	ev := <-all.C
	if ev.DocumentID != "w1" {
		t.Fatalf("expected w1 on all subscription, got %+v", ev)
	}
}

func TestFeed_DropsLaggingSubscriber(t *testing.T) {
	f := NewWithOptions(Options{BufferSize: 1})
	sub := f.Subscribe(model.CollectionAccounts, nil)

	f.Publish(accountEvent("a1", 1))
	f.Publish(accountEvent("a1", 2))

	if !sub.Lagged() {
		t.Fatalf("expected subscriber to be marked lagged")
	}
	<-sub.C
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected channel closed after lag")
	}
	if f.SubscriberCount() != 0 {
		t.Fatalf("expected lagging subscriber removed")
	}
}

func TestFeed_InjectKeepsOrigin(t *testing.T) {
	f := NewWithOptions(Options{InstanceID: "node-a"})
	sub := f.Subscribe(model.CollectionAccounts, nil)
	defer sub.Cancel()

	ev := accountEvent("a1", 1)
	ev.Origin = "node-b"
	f.Inject(ev)
	got := <-sub.C
	if got.Origin != "node-b" {
		t.Fatalf("expected origin node-b, got %q", got.Origin)
	}
}
