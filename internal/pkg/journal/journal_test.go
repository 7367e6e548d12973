package journal_test

import (
	"testing"

	tf "github.com/filecoin-project/forest-go/internal/pkg/testhelpers/testflags"
	"github.com/filecoin-project/forest-go/internal/pkg/journal"
)

func TestTopicReturnsSameWriterForSameName(t *testing.T) {
	tf.UnitTest(t)

	j := journal.NewLogJournal()
	a := j.Topic("outbox")
	b := j.Topic("outbox")
	c := j.Topic("gc")

	// Writing through any of these must never panic regardless of whether
	// the topic was seen before.
	a.Write("queued", journal.KV{Key: "cid", Value: "bafy..."})
	b.Write("sent")
	c.Write("collected", journal.KV{Key: "count", Value: 12})

	if a == nil || b == nil || c == nil {
		t.Fatal("Topic must never return a nil Writer")
	}
	if a != b {
		t.Fatal("Topic must return the same Writer for the same name")
	}
}

func TestNilJournalDiscardsEverything(t *testing.T) {
	tf.UnitTest(t)

	w := journal.NilJournal.Topic("anything")
	w.Write("event", journal.KV{Key: "k", Value: "v"})
}
