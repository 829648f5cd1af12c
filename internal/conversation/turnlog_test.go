package conversation

import (
	"testing"

	"github.com/plantkart/agentchat/internal/domain"
)

func TestTurnLogRemoveWhere(t *testing.T) {
	t.Parallel()

	var log turnLog
	log.Append(domain.Turn{Sender: domain.SenderUser, Text: "a"})
	log.Append(domain.Turn{Sender: domain.SenderAgent, IsLoading: true})
	log.Append(domain.Turn{Sender: domain.SenderAgent, Text: "b"})
	log.Append(domain.Turn{Sender: domain.SenderAgent, IsLoading: true})

	log.RemoveWhere(func(turn domain.Turn) bool { return turn.IsLoading })

	if log.Len() != 2 || log.HasLoading() {
		t.Fatalf("loading turns not removed: %+v", log.Snapshot())
	}
	got := log.Snapshot()
	if got[0].Text != "a" || got[1].Text != "b" {
		t.Fatalf("order not preserved: %+v", got)
	}
}

func TestTurnLogLastCheckoutIndex(t *testing.T) {
	t.Parallel()

	var log turnLog
	if log.LastCheckoutIndex() != -1 {
		t.Fatal("empty log reported a checkout")
	}

	log.Append(domain.Turn{Sender: domain.SenderAgent, Checkout: &domain.Checkout{Status: domain.CheckoutAwaitingComplete}})
	log.Append(domain.Turn{Sender: domain.SenderUser, Text: "more"})
	log.Append(domain.Turn{Sender: domain.SenderAgent, Checkout: &domain.Checkout{Status: domain.CheckoutReadyForComplete}})
	log.Append(domain.Turn{Sender: domain.SenderAgent, Text: "anything else?"})

	idx := log.LastCheckoutIndex()
	if idx != 2 {
		t.Fatalf("LastCheckoutIndex = %d, want 2", idx)
	}
	if got := log.Snapshot()[idx].Checkout.Status; got != domain.CheckoutReadyForComplete {
		t.Fatalf("wrong checkout selected: %q", got)
	}
}

func TestTurnLogEmptyMutationsAreNoOps(t *testing.T) {
	t.Parallel()

	var log turnLog
	log.RemoveLast()
	log.ReplaceLast(domain.Turn{Text: "x"})
	if log.Len() != 0 {
		t.Fatalf("mutations on empty log changed it: %+v", log.Snapshot())
	}
}

func TestTurnLogSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	var log turnLog
	log.Append(domain.Turn{Sender: domain.SenderUser, Text: "original"})
	snap := log.Snapshot()
	snap[0].Text = "mutated"
	if log.Snapshot()[0].Text != "original" {
		t.Fatal("snapshot aliases the underlying log")
	}
}
