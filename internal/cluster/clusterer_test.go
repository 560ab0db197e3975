package cluster

import (
	"fmt"
	"reflect"
	"sort"
	"testing"

	"github.com/atlas-delivery/leakwatch/internal/embed"
)

func testMembers(t *testing.T, texts map[string]string) []Member {
	t.Helper()
	e, err := embed.New(embed.DefaultDim)
	if err != nil {
		t.Fatalf("embed.New: %v", err)
	}
	ids := make([]string, 0, len(texts))
	for id := range texts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	members := make([]Member, 0, len(ids))
	for _, id := range ids {
		members = append(members, Member{ChangeOrderID: id, Vector: e.Embed(texts[id])})
	}
	return members
}

// TestClusterSimilarNarratives checks near-identical narratives land in
// one cluster while an unrelated narrative stays out.
func TestClusterSimilarNarratives(t *testing.T) {
	members := testMembers(t, map[string]string{
		"co-1": "grounding conductors omitted from electrical drawings",
		"co-2": "grounding conductors omitted from electrical drawings",
		"co-3": "grounding conductors omitted from the electrical drawings rev 2",
		"co-4": "owner requested lobby finish upgrade to terrazzo",
	})

	res := New(0.60).Cluster("run-1", members)
	if len(res.Clusters) != 1 {
		t.Fatalf("clusters = %d, want 1", len(res.Clusters))
	}
	got := append([]string(nil), res.Clusters[0].MemberIDs...)
	sort.Strings(got)
	want := []string{"co-1", "co-2", "co-3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("cluster members = %v, want %v", got, want)
	}
	if len(res.Singletons) != 1 || res.Singletons[0] != "co-4" {
		t.Errorf("singletons = %v, want [co-4]", res.Singletons)
	}
}

func TestClusterIDsAreRunScoped(t *testing.T) {
	members := testMembers(t, map[string]string{
		"co-1": "grounding conductors omitted from electrical drawings",
		"co-2": "grounding conductors omitted from electrical drawings",
		"co-3": "unforeseen rock encountered during excavation",
		"co-4": "unforeseen rock encountered during excavation work",
	})

	res := New(0.60).Cluster("run-9", members)
	if len(res.Clusters) != 2 {
		t.Fatalf("clusters = %d, want 2", len(res.Clusters))
	}
	for i, c := range res.Clusters {
		want := fmt.Sprintf("run-9/c%d", i+1)
		if c.ID != want {
			t.Errorf("cluster id = %q, want %q", c.ID, want)
		}
	}
}

func TestClusterSingleMemberGroups(t *testing.T) {
	members := testMembers(t, map[string]string{
		"co-1": "grounding conductors omitted from electrical drawings",
		"co-2": "owner requested lobby finish upgrade",
		"co-3": "rework after failed concrete inspection",
	})

	res := New(0.60).Cluster("run-1", members)
	if len(res.Clusters) != 0 {
		t.Fatalf("clusters = %v, want none", res.Clusters)
	}
	if len(res.Singletons) != 3 {
		t.Errorf("singletons = %v, want all three members", res.Singletons)
	}
}

func TestClusterZeroVector(t *testing.T) {
	members := []Member{
		{ChangeOrderID: "co-zero", Vector: make([]float32, embed.DefaultDim)},
	}
	res := New(0.60).Cluster("run-1", members)
	if len(res.Singletons) != 1 || res.Singletons[0] != "co-zero" {
		t.Errorf("singletons = %v, want [co-zero]", res.Singletons)
	}
}

func TestClusterDeterministic(t *testing.T) {
	members := testMembers(t, map[string]string{
		"co-1": "grounding conductors omitted from electrical drawings",
		"co-2": "grounding conductors omitted from electrical drawings rev 2",
		"co-3": "unforeseen rock encountered during excavation",
		"co-4": "unforeseen rock and groundwater encountered during excavation",
		"co-5": "owner requested lobby upgrade",
	})

	first := New(0.60).Cluster("run-1", members)
	for i := 0; i < 3; i++ {
		again := New(0.60).Cluster("run-1", members)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("clustering differed on repeat %d", i)
		}
	}
}
