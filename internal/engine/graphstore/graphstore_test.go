package graphstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertAndQuery(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(Inst,
		Triple{Subject: "inst:1", Predicate: "var:amount", Object: "42", Kind: Literal, Datatype: "xsd:integer"},
		Triple{Subject: "inst:1", Predicate: "var:status", Object: "active", Kind: Literal, Datatype: "xsd:string"},
	))

	got, err := s.Query(Inst, Pattern{Subject: "inst:1"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.Query(Inst, Pattern{Subject: "inst:1", Predicate: "var:amount"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "42", got[0].Object)
}

func TestReplaceIsAtomic(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(Inst, Triple{Subject: "inst:1", Predicate: "var:x", Object: "1", Kind: Literal}))

	err := s.Replace(Inst, Pattern{Subject: "inst:1", Predicate: "var:x"},
		Triple{Subject: "inst:1", Predicate: "var:x", Object: "2", Kind: Literal})
	require.NoError(t, err)

	got, err := s.Query(Inst, Pattern{Subject: "inst:1", Predicate: "var:x"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "2", got[0].Object)
}

func TestRemoveCounts(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(Tasks,
		Triple{Subject: "task:1", Predicate: "status", Object: "CREATED", Kind: Literal},
		Triple{Subject: "task:2", Predicate: "status", Object: "CREATED", Kind: Literal},
	))
	n, err := s.Remove(Tasks, Pattern{Predicate: "status", Object: "CREATED"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	remaining, err := s.Query(Tasks, Pattern{})
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestAskWithFilter(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(Inst, Triple{Subject: "inst:1", Predicate: "var:amount", Object: "42", Kind: Literal, Datatype: "xsd:integer"}))

	ok, err := s.Ask(Inst, Pattern{Subject: "inst:1", Predicate: "var:amount"}, func(tr Triple) bool {
		return tr.Object == "42"
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Ask(Inst, Pattern{Subject: "inst:1", Predicate: "var:amount"}, func(tr Triple) bool {
		return tr.Object == "99"
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(Defs,
		Triple{Subject: "defn:order", Predicate: "hasNode", Object: "node:start", Kind: IRI},
		Triple{Subject: "node:start", Predicate: "label", Object: "Start \"Order\"\nreceived", Kind: Literal, Datatype: "xsd:string"},
	))

	data, err := s.Snapshot(Defs)
	require.NoError(t, err)
	require.Contains(t, string(data), "<defn:order> <hasNode> <node:start> .")

	s2 := New()
	require.NoError(t, s2.Restore(Defs, data))

	got, err := s2.Query(Defs, Pattern{Subject: "node:start", Predicate: "label"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Start \"Order\"\nreceived", got[0].Object)
	require.Equal(t, "xsd:string", got[0].Datatype)
}

func TestUnknownGraphErrors(t *testing.T) {
	s := New()
	_, err := s.Query(Graph("bogus"), Pattern{})
	require.Error(t, err)
}
